package hoaauth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

type totpManager struct {
	digits int
	period int
	skew   int
}

func newTOTPManager(cfg MfaConfig) *totpManager {
	return &totpManager{
		digits: cfg.TotpDigits,
		period: cfg.TotpPeriod,
		skew:   cfg.TotpSkew,
	}
}

// VerifyCode checks an RFC 6238 code against the secret within the configured
// skew window. Malformed codes are a plain mismatch, not an error.
func (m *totpManager) VerifyCode(secret []byte, code string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.digits || !isNumericString(trimmed) {
		return false, nil
	}
	if len(secret) == 0 {
		return false, errors.New("empty totp secret")
	}

	baseCounter := now.Unix() / int64(m.period)
	for step := -m.skew; step <= m.skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := hotpCode(secret, counter, m.digits)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, nil
		}
	}

	return false, nil
}

func hotpCode(secret []byte, counter int64, digits int) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func isNumericString(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
