package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/quota"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/domain/usage"
	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// flushTimeout bounds one batch write to the stores.
const flushTimeout = 30 * time.Second

// RecorderDeps contains dependencies for the buffered usage recorder.
type RecorderDeps struct {
	Usage  ports.UsageStore
	Quota  ports.QuotaStore
	Subs   ports.SubscriptionStore
	Clock  ports.Clock
	Logger zerolog.Logger

	// OnDrop is called once per record dropped because the buffer was
	// full. Optional, used for counters.
	OnDrop func()
}

// RecorderConfig tunes batching.
type RecorderConfig struct {
	// BatchSize triggers a flush when the buffer reaches it.
	BatchSize int
	// FlushInterval flushes a partial buffer on a timer.
	FlushInterval time.Duration
	// MaxBuffered caps the buffer; records beyond it are dropped and
	// repaired later by the counter sync job.
	MaxBuffered int
}

// BufferedRecorder buffers usage records and writes them in batches:
// one append to the usage store, then one atomic counter increment per
// caller-period. Record never blocks the request path; a failed flush
// re-buffers the batch and the counter sync job repairs any remainder.
type BufferedRecorder struct {
	deps RecorderDeps
	cfg  RecorderConfig

	mu     sync.Mutex
	buffer []usage.Record

	flushMu   sync.Mutex // serializes flushes so batches stay ordered
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBufferedRecorder creates the recorder and starts its flush loop.
func NewBufferedRecorder(deps RecorderDeps, cfg RecorderConfig) *BufferedRecorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 100 * cfg.BatchSize
	}

	r := &BufferedRecorder{
		deps:   deps,
		cfg:    cfg,
		buffer: make([]usage.Record, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.flushLoop()

	return r
}

// Record queues one usage record. When the buffer reaches the batch
// size the flush happens in the background, never on the caller.
func (r *BufferedRecorder) Record(rec usage.Record) {
	r.mu.Lock()
	if len(r.buffer) >= r.cfg.MaxBuffered {
		r.mu.Unlock()
		if r.deps.OnDrop != nil {
			r.deps.OnDrop()
		}
		r.deps.Logger.Warn().
			Str("caller_id", rec.CallerID).
			Msg("usage recorder buffer full, dropping record")
		return
	}
	r.buffer = append(r.buffer, rec)
	full := len(r.buffer) >= r.cfg.BatchSize
	r.mu.Unlock()

	if full {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err := r.Flush(ctx); err != nil {
				r.deps.Logger.Error().Err(err).Msg("background usage flush failed")
			}
		}()
	}
}

// Flush writes the buffered records to the stores. On failure the
// batch goes back into the buffer for the next attempt.
func (r *BufferedRecorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.buffer
	r.buffer = make([]usage.Record, 0, r.cfg.BatchSize)
	r.mu.Unlock()

	if err := r.deps.Usage.Insert(ctx, batch); err != nil {
		r.mu.Lock()
		r.buffer = append(batch, r.buffer...)
		r.mu.Unlock()
		return err
	}

	// Counter increments are best effort: the counter is a projection
	// and the sync job rebuilds it from the records just written.
	r.bumpCounters(ctx, batch)
	return nil
}

// Close stops the flush loop and drains the buffer.
func (r *BufferedRecorder) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		err = r.Flush(ctx)
	})
	return err
}

func (r *BufferedRecorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := r.Flush(ctx); err != nil {
				r.deps.Logger.Error().Err(err).Msg("periodic usage flush failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// bumpCounters folds the batch into per-(caller, period) sums and
// applies each as one atomic increment.
func (r *BufferedRecorder) bumpCounters(ctx context.Context, batch []usage.Record) {
	type bucket struct {
		callerID    string
		periodStart time.Time
	}
	sums := make(map[bucket]int64)
	starts := make(map[string]time.Time)

	for _, rec := range batch {
		start, ok := starts[rec.CallerID]
		if !ok {
			start = r.periodStart(ctx, rec.CallerID, rec.CreatedAt)
			starts[rec.CallerID] = start
		}
		sums[bucket{rec.CallerID, start}] += rec.Units
	}

	for b, units := range sums {
		if _, err := r.deps.Quota.Add(ctx, b.callerID, b.periodStart, units); err != nil {
			r.deps.Logger.Error().Err(err).
				Str("caller_id", b.callerID).
				Int64("units", units).
				Msg("quota counter increment failed, sync will repair")
		}
	}
}

// periodStart mirrors the metering service's period resolution: the
// billable subscription's period when it covers t, calendar month
// otherwise.
func (r *BufferedRecorder) periodStart(ctx context.Context, callerID string, t time.Time) time.Time {
	if t.IsZero() {
		t = r.deps.Clock.Now()
	}
	sub, err := r.deps.Subs.GetByCaller(ctx, callerID)
	if err == nil && sub.Status.Billable() && sub.InPeriod(t) {
		return sub.CurrentPeriodStart
	}
	start, _ := quota.PeriodBounds(t)
	return start
}

// Ensure interface compliance.
var _ ports.UsageRecorder = (*BufferedRecorder)(nil)
