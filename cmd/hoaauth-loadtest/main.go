// Command hoaauth-loadtest seeds refresh chains against a Redis instance
// (miniredis by default) and drives concurrent validate and refresh phases,
// reporting throughput and latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	hoaauth "github.com/strataboard/hoaauth"
	"github.com/strataboard/hoaauth/keyring"
)

type chainState struct {
	accessToken  string
	refreshToken string
	deviceID     string
	mu           sync.Mutex
}

type staticCredentials struct{}

func (staticCredentials) VerifyPassword(_ context.Context, identifier, _ string) (hoaauth.UserClaims, error) {
	return staticClaims(identifier), nil
}

func (staticCredentials) GetUserClaims(_ context.Context, userID string) (hoaauth.UserClaims, error) {
	return staticClaims(userID), nil
}

func (staticCredentials) GetTotpSecret(context.Context, string) ([]byte, error) {
	return nil, nil
}

func staticClaims(userID string) hoaauth.UserClaims {
	return hoaauth.UserClaims{
		UserID:      userID,
		Roles:       []string{"resident"},
		Permissions: []string{"documents.read"},
	}
}

func main() {
	var (
		chains      = flag.Int("chains", 50000, "number of refresh chains to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (validate + refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "ha", "redis key prefix")
	)
	flag.Parse()

	if *chains <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "chains, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  *redis.Client
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	key, err := keyring.Generate(24 * time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "key generation failed: %v\n", err)
		os.Exit(1)
	}

	cfg := defaultWithPrefix(*prefix)

	engine, err := hoaauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithKeys(key).
		WithCredentialStore(staticCredentials{}).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states := make([]chainState, *chains)
	fmt.Printf("seeding %d chains...\n", *chains)
	startSeed := time.Now()
	for i := 0; i < *chains; i++ {
		userID := fmt.Sprintf("user-%d", i)
		deviceID := fmt.Sprintf("device-%d", i)
		pair, err := engine.IssueTokenPair(ctx, staticClaims(userID), deviceID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
		states[i] = chainState{
			accessToken:  pair.AccessToken,
			refreshToken: pair.RefreshToken,
			deviceID:     deviceID,
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	validateStats := runValidatePhase(ctx, engine, states, *ops, *concurrency)
	refreshStats := runRefreshPhase(ctx, engine, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)
}

func defaultWithPrefix(prefix string) hoaauth.Config {
	cfg := hoaauth.Config{
		Tokens: hoaauth.TokenConfig{
			AccessTTL:       time.Hour,
			Leeway:          30 * time.Second,
			Issuer:          "hoaauth-loadtest",
			SigningCooldown: 30 * time.Second,
		},
		Refresh: hoaauth.RefreshConfig{TTL: 24 * time.Hour},
		Mfa: hoaauth.MfaConfig{
			ChallengeTTL: 5 * time.Minute,
			MaxAttempts:  5,
			CodeDigits:   6,
			TotpDigits:   6,
			TotpPeriod:   30,
			TotpSkew:     1,
		},
		Metrics:     hoaauth.MetricsConfig{Enabled: true, EnableLatencyHistograms: true},
		RedisPrefix: prefix,
	}
	return cfg
}

func runValidatePhase(ctx context.Context, engine *hoaauth.Engine, states []chainState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				t0 := time.Now()
				_, err := engine.Validate(ctx, states[idx].accessToken)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func runRefreshPhase(ctx context.Context, engine *hoaauth.Engine, states []chainState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				state := &states[idx]

				state.mu.Lock()
				t0 := time.Now()
				pair, err := engine.RefreshToken(ctx, state.refreshToken, state.deviceID)
				d := time.Since(t0)
				if err == nil {
					state.refreshToken = pair.RefreshToken
					state.accessToken = pair.AccessToken
				} else {
					atomic.AddInt64(&failures, 1)
				}
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
