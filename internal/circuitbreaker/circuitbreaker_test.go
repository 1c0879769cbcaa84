package circuitbreaker

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ErrorThreshold:    0.50,
		MinSamples:        10,
		WindowSeconds:     60,
		OpenTimeout:       1 * time.Millisecond,
		OpenTimeoutMax:    30 * time.Second,
		OpenTimeoutFactor: 2.0,
		HalfOpenSuccesses: 3,
	}
}

func TestSlidingWindow_RecordAndErrorRate(t *testing.T) {
	t.Parallel()

	w := newSlidingWindow(60)
	now := time.Now()

	// 5 successes + 5 errors (weight 1.0) = 50% error rate.
	for range 5 {
		w.Record(0, now)
	}
	for range 5 {
		w.Record(1.0, now)
	}

	rate, samples := w.ErrorRate(now)
	if samples != 10 {
		t.Fatalf("samples = %d, want 10", samples)
	}
	if rate < 0.49 || rate > 0.51 {
		t.Fatalf("rate = %f, want ~0.50", rate)
	}
}

func TestSlidingWindow_Expiry(t *testing.T) {
	t.Parallel()

	w := newSlidingWindow(5)
	base := time.Now()

	w.Record(1.0, base)

	later := base.Add(6 * time.Second)
	rate, samples := w.ErrorRate(later)
	if samples != 0 {
		t.Fatalf("samples = %d, want 0 (expired)", samples)
	}
	if rate != 0 {
		t.Fatalf("rate = %f, want 0", rate)
	}
}

func TestBreaker_ClosedAllows(t *testing.T) {
	t.Parallel()

	b := NewBreaker(DefaultConfig())
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensOnThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())

	// 5 successes + 5 errors = 50% with 10 samples -> trips.
	for range 5 {
		b.RecordSuccess()
	}
	for range 5 {
		b.RecordError(1.0)
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestBreaker_MinSamplesRequired(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())

	// 9 samples at 100% error rate -> still below MinSamples.
	for range 9 {
		b.RecordError(1.0)
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (below min samples)", b.State())
	}
}

func TestBreaker_OpenRejectsUntilTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = time.Hour // never elapses during the test
	b := NewBreaker(cfg)

	for range 10 {
		b.RecordError(1.0)
	}
	if b.Allow() {
		t.Fatal("open breaker should reject before timeout")
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())

	for range 10 {
		b.RecordError(1.0)
	}
	time.Sleep(5 * time.Millisecond)

	// Three successful probes required to close.
	for i := range 3 {
		if !b.Allow() {
			t.Fatalf("probe %d should be allowed", i)
		}
		if b.State() != StateHalfOpen {
			t.Fatalf("state = %v, want half_open", b.State())
		}
		b.RecordSuccess()
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after %d probe successes", b.State(), 3)
	}
}

func TestBreaker_CanAttemptDoesNotConsumeProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())

	for range 10 {
		b.RecordError(1.0)
	}
	time.Sleep(5 * time.Millisecond)

	// Advisory checks may run any number of times without taking the probe.
	for range 3 {
		if !b.CanAttempt() {
			t.Fatal("CanAttempt should report true once the open timeout elapsed")
		}
	}
	if !b.Allow() {
		t.Fatal("probe should still be available after CanAttempt checks")
	}
	if b.CanAttempt() {
		t.Fatal("CanAttempt should report false while a probe is in flight")
	}
}

func TestBreaker_HalfOpenSingleProbeInFlight(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())

	for range 10 {
		b.RecordError(1.0)
	}
	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("first probe should be allowed")
	}
	if b.Allow() {
		t.Fatal("second request should be rejected while probe in flight")
	}
}

func TestBreaker_ReopenGrowsTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = 10 * time.Millisecond
	b := NewBreaker(cfg)

	for range 10 {
		b.RecordError(1.0)
	}
	if got := b.OpenTimeout(); got != 10*time.Millisecond {
		t.Fatalf("initial open timeout = %v, want 10ms", got)
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}
	b.RecordError(1.0) // probe fails -> reopen, timeout doubles

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if got := b.OpenTimeout(); got != 20*time.Millisecond {
		t.Fatalf("grown open timeout = %v, want 20ms", got)
	}
}

func TestBreaker_TimeoutCappedAtMax(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OpenTimeout = 1 * time.Millisecond
	cfg.OpenTimeoutMax = 4 * time.Millisecond
	b := NewBreaker(cfg)

	for range 10 {
		b.RecordError(1.0)
	}
	// Fail probes repeatedly; timeout must not exceed the cap.
	for range 5 {
		time.Sleep(10 * time.Millisecond)
		if !b.Allow() {
			t.Fatal("probe should be allowed after timeout")
		}
		b.RecordError(1.0)
	}
	if got := b.OpenTimeout(); got > 4*time.Millisecond {
		t.Fatalf("open timeout = %v, want <= 4ms cap", got)
	}
}

func TestBreaker_SuccessIdempotentWhenClosed(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())
	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	t.Parallel()

	b := NewBreaker(testConfig())
	var transitions []string
	b.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for range 10 {
		b.RecordError(1.0)
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("transitions = %v, want [closed->open]", transitions)
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	b1 := r.GetOrCreate("groq")
	b2 := r.GetOrCreate("groq")
	if b1 != b2 {
		t.Fatal("GetOrCreate should return the same breaker")
	}
	if r.Get("cohere") != nil {
		t.Fatal("Get for unknown key should return nil")
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	r.GetOrCreate("a")
	r.GetOrCreate("b")

	if evicted := r.EvictStale(time.Now().Add(time.Minute)); evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}
	if r.Get("a") != nil {
		t.Fatal("a should be evicted")
	}
}
