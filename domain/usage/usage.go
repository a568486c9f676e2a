// Package usage provides usage record types and aggregation functions.
// All functions are pure - no side effects.
package usage

import "time"

// Record represents a single billable unit of work (immutable value
// type). Records are append-only: once written they are never updated,
// only pruned by retention.
type Record struct {
	ID         string
	CallerID   string
	KeyID      string // API key that made the request, empty for anonymous callers
	Endpoint   string // coarse endpoint label, e.g. "signals"
	Ref        string // request detail, e.g. "AAPL:rsi14"
	Units      int64  // units consumed, >= 1
	StatusCode int
	LatencyMs  int64
	CreatedAt  time.Time
}

// NewRecord creates a usage record, defaulting units to 1.
func NewRecord(id, callerID, keyID, endpoint, ref string, units int64, statusCode int, latencyMs int64, at time.Time) Record {
	if units <= 0 {
		units = 1
	}
	return Record{
		ID:         id,
		CallerID:   callerID,
		KeyID:      keyID,
		Endpoint:   endpoint,
		Ref:        ref,
		Units:      units,
		StatusCode: statusCode,
		LatencyMs:  latencyMs,
		CreatedAt:  at,
	}
}

// Summary represents aggregated usage for a period (value type).
type Summary struct {
	CallerID     string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	RequestCount int64
	TotalUnits   int64
	ErrorCount   int64 // 4xx + 5xx responses
	AvgLatencyMs int64
	ByEndpoint   map[string]int64 // units per endpoint label
}

// Aggregate combines records into a summary.
// This is a PURE function.
func Aggregate(records []Record, periodStart, periodEnd time.Time) Summary {
	s := Summary{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	if len(records) == 0 {
		return s
	}

	var totalLatency int64
	s.ByEndpoint = make(map[string]int64)

	for _, r := range records {
		if s.CallerID == "" {
			s.CallerID = r.CallerID
		}
		s.RequestCount++
		s.TotalUnits += r.Units
		s.ByEndpoint[r.Endpoint] += r.Units
		totalLatency += r.LatencyMs
		if r.StatusCode >= 400 {
			s.ErrorCount++
		}
	}
	s.AvgLatencyMs = totalLatency / s.RequestCount

	return s
}
