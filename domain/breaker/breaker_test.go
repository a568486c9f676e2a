package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// testBreaker returns a breaker with a manually advanced clock.
func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want errBoom", i, err)
		}
		if b.State() != StateClosed {
			t.Fatalf("call %d: state = %v, want closed", i, b.State())
		}
	}

	if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("third call: err = %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state after threshold = %v, want open", b.State())
	}

	// Calls now fail fast without reaching the dependency.
	called := false
	err := b.Do(ctx, func(ctx context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("open circuit should not invoke the operation")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	b.Do(ctx, fail)
	b.Do(ctx, fail)
	b.Do(ctx, succeed)
	b.Do(ctx, fail)
	b.Do(ctx, fail)

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (failures are not consecutive)", b.State())
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()

	b.Do(ctx, fail)
	b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Still inside the cool-down.
	*now = now.Add(59 * time.Second)
	if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen before cool-down elapses", err)
	}

	// Cool-down elapsed, the probe is admitted and closes the circuit.
	*now = now.Add(2 * time.Second)
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after probe success = %v, want closed", b.State())
	}

	// Failure counting starts over after recovery.
	b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatal("single failure after recovery should not re-open")
	}
}

func TestProbeFailureDoublesCooldown(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute, MaxCooldown: 3 * time.Minute})
	ctx := context.Background()

	b.Do(ctx, fail) // trip, cool-down 1m
	*now = now.Add(time.Minute)
	b.Do(ctx, fail) // probe fails, cool-down 2m

	*now = now.Add(90 * time.Second)
	if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen while doubled cool-down holds", err)
	}

	*now = now.Add(31 * time.Second)
	if err := b.Do(ctx, fail); errors.Is(err, ErrOpen) {
		t.Fatal("probe should be admitted after doubled cool-down")
	}

	// 4m would exceed the cap; the next wait is MaxCooldown.
	st := b.GetStatus()
	if st.Cooldown != 3*time.Minute {
		t.Fatalf("cooldown = %v, want capped 3m", st.Cooldown)
	}

	// Recovery resets the cool-down to its initial value.
	*now = now.Add(3 * time.Minute)
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if got := b.GetStatus().Cooldown; got != time.Minute {
		t.Fatalf("cooldown after close = %v, want 1m", got)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	b.Do(ctx, fail)
	*now = now.Add(61 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	var probeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		probeErr = b.Do(ctx, func(ctx context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open during probe", b.State())
	}

	// A second call while the probe is in flight is rejected.
	if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("concurrent call err = %v, want ErrOpen", err)
	}

	close(release)
	wg.Wait()
	if probeErr != nil {
		t.Fatalf("probe err = %v", probeErr)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestSuccessThresholdAboveOne(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()

	b.Do(ctx, fail)
	*now = now.Add(61 * time.Second)

	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("first probe err = %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open after one of two successes", b.State())
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("second probe err = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestNonTransientErrorsDoNotTrip(t *testing.T) {
	errClient := errors.New("bad request")
	b, _ := testBreaker(Config{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		IsTransient:      func(err error) bool { return !errors.Is(err, errClient) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Do(ctx, func(ctx context.Context) error { return errClient }); !errors.Is(err, errClient) {
			t.Fatalf("err = %v, want errClient passed through", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after non-transient errors", b.State())
	}

	// Transient errors still count.
	b.Do(ctx, fail)
	b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestNonTransientProbeReleasesSlot(t *testing.T) {
	errClient := errors.New("bad request")
	b, now := testBreaker(Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		IsTransient:      func(err error) bool { return !errors.Is(err, errClient) },
	})
	ctx := context.Background()

	b.Do(ctx, fail)
	*now = now.Add(61 * time.Second)

	// Probe returns a client error: no verdict on dependency health.
	b.Do(ctx, func(ctx context.Context) error { return errClient })
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	// The slot is free again; a clean probe closes the circuit.
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("err = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestOnStateChange(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	type change struct{ from, to State }
	var mu sync.Mutex
	var got []change
	b.OnStateChange(func(name string, from, to State) {
		if name != "test" {
			t.Errorf("name = %q, want test", name)
		}
		mu.Lock()
		got = append(got, change{from, to})
		mu.Unlock()
	})

	b.Do(ctx, fail)
	*now = now.Add(61 * time.Second)
	b.Do(ctx, succeed)

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGetStatusRetryIn(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute})
	b.Do(context.Background(), fail)

	*now = now.Add(15 * time.Second)
	st := b.GetStatus()
	if st.State != "open" {
		t.Fatalf("state = %q, want open", st.State)
	}
	if st.RetryIn != 45*time.Second {
		t.Fatalf("RetryIn = %v, want 45s", st.RetryIn)
	}
	if st.TotalTrips != 1 {
		t.Fatalf("TotalTrips = %d, want 1", st.TotalTrips)
	}
}

func TestReset(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 1, Cooldown: time.Hour})
	b.Do(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatal("expected closed after reset")
	}
	if err := b.Do(context.Background(), succeed); err != nil {
		t.Fatalf("err = %v", err)
	}
}
