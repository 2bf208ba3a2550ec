package limiters

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testLimiter(rdb *redis.Client) *LockoutLimiter {
	return NewLockoutLimiter(rdb, LockoutConfig{
		Enabled:      true,
		Threshold:    3,
		Window:       time.Minute,
		BaseDuration: time.Minute,
		MaxDuration:  4 * time.Minute,
	}, "ha")
}

func TestLockAfterThreshold(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	l := testLimiter(rdb)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		d, err := l.RecordFailure(ctx, "alice")
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if !d.Allowed || d.Failures != i {
			t.Fatalf("attempt %d: allowed=%v failures=%d", i, d.Allowed, d.Failures)
		}
	}

	d, err := l.RecordFailure(ctx, "alice")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("third failure must lock")
	}
	until := time.Until(d.LockedUntil)
	if until < 50*time.Second || until > 70*time.Second {
		t.Fatalf("lock duration %s not near base duration", until)
	}

	check, err := l.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if check.Allowed {
		t.Fatal("Check must report the lock")
	}
}

func TestLockedFailureConsumesNothing(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	l := testLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.RecordFailure(ctx, "alice"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	// Hammering while locked neither extends the lock nor counts failures.
	first, _ := l.Check(ctx, "alice")
	for i := 0; i < 5; i++ {
		d, err := l.RecordFailure(ctx, "alice")
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if d.Allowed || d.Failures != 0 {
			t.Fatalf("locked attempt: allowed=%v failures=%d", d.Allowed, d.Failures)
		}
		if !d.LockedUntil.Equal(first.LockedUntil) {
			t.Fatalf("lock deadline moved from %s to %s", first.LockedUntil, d.LockedUntil)
		}
	}
}

func TestConsecutiveLockoutsDouble(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	l := testLimiter(rdb)
	ctx := context.Background()

	lockOut := func() LockoutDecision {
		var last LockoutDecision
		for i := 0; i < 3; i++ {
			d, err := l.RecordFailure(ctx, "alice")
			if err != nil {
				t.Fatalf("RecordFailure failed: %v", err)
			}
			last = d
		}
		return last
	}

	first := lockOut()
	if first.Allowed {
		t.Fatal("expected first lockout")
	}

	// Simulate lock expiry and lock out again: the duration doubles.
	if err := rdb.Del(ctx, "ha:ll:alice").Err(); err != nil {
		t.Fatalf("del lock failed: %v", err)
	}
	second := lockOut()
	if second.Allowed {
		t.Fatal("expected second lockout")
	}
	if until := time.Until(second.LockedUntil); until < 110*time.Second || until > 130*time.Second {
		t.Fatalf("second lock duration %s, want ~2m", until)
	}

	// A third and fourth round hit the 4m cap.
	_ = rdb.Del(ctx, "ha:ll:alice").Err()
	_ = lockOut()
	_ = rdb.Del(ctx, "ha:ll:alice").Err()
	fourth := lockOut()
	if until := time.Until(fourth.LockedUntil); until < 230*time.Second || until > 250*time.Second {
		t.Fatalf("capped lock duration %s, want ~4m", until)
	}
}

func TestRecordSuccessResets(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	l := testLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.RecordFailure(ctx, "alice"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}
	if err := l.RecordSuccess(ctx, "alice"); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	// Window restarted: counting begins at one again.
	d, err := l.RecordFailure(ctx, "alice")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !d.Allowed || d.Failures != 1 {
		t.Fatalf("after reset: allowed=%v failures=%d", d.Allowed, d.Failures)
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	l := NewLockoutLimiter(rdb, LockoutConfig{Enabled: false}, "ha")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.RecordFailure(ctx, "alice")
		if err != nil || !d.Allowed {
			t.Fatalf("disabled limiter blocked: %+v %v", d, err)
		}
	}
	d, err := l.Check(ctx, "alice")
	if err != nil || !d.Allowed {
		t.Fatalf("disabled limiter Check blocked: %+v %v", d, err)
	}
}

func TestWindowExpiryClearsCount(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	l := testLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.RecordFailure(ctx, "alice"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	mr.FastForward(2 * time.Minute)

	d, err := l.RecordFailure(ctx, "alice")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !d.Allowed || d.Failures != 1 {
		t.Fatalf("after window expiry: allowed=%v failures=%d", d.Allowed, d.Failures)
	}
}
