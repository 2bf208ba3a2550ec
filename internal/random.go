package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

const refreshSecretSize = 32

// RefreshSecret is the raw 256-bit opaque value handed to the caller.
// Only its SHA-256 hash is ever stored.
type RefreshSecret [refreshSecretSize]byte

func NewRefreshSecret() (RefreshSecret, error) {
	var secret RefreshSecret
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashRefreshSecret(secret RefreshSecret) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeRefreshToken renders the opaque wire form of a refresh secret.
func EncodeRefreshToken(secret RefreshSecret) string {
	return base64.RawURLEncoding.EncodeToString(secret[:])
}

// DecodeRefreshToken parses the opaque wire form back into a secret.
func DecodeRefreshToken(token string) (RefreshSecret, error) {
	var secret RefreshSecret

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return secret, err
	}
	if len(raw) != refreshSecretSize {
		return secret, errors.New("invalid refresh token size")
	}

	copy(secret[:], raw)
	return secret, nil
}

// HashHex is the storage-key form of a token hash.
func HashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// NewOTP returns a uniformly random numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}
