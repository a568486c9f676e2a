// Package signal defines the value types for signal requests and
// results. All functions are pure.
package signal

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidRequest is returned when a request fails validation.
var ErrInvalidRequest = errors.New("invalid signal request")

var (
	symbolRe    = regexp.MustCompile(`^[A-Z0-9.\-]{1,12}$`)
	indicatorRe = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)
)

// Request identifies one signal computation (value type). Two requests
// that normalize equal are the same computation and share a cache
// entry.
type Request struct {
	Symbol    string            // instrument symbol, e.g. "AAPL"
	Indicator string            // indicator name, e.g. "rsi14"
	Params    map[string]string // optional indicator parameters
}

// Normalize returns the canonical form of the request: symbol
// uppercased, indicator lowercased, whitespace trimmed, empty params
// dropped.
func (r Request) Normalize() Request {
	n := Request{
		Symbol:    strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Indicator: strings.ToLower(strings.TrimSpace(r.Indicator)),
	}
	if len(r.Params) > 0 {
		n.Params = make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			k = strings.ToLower(strings.TrimSpace(k))
			v = strings.TrimSpace(v)
			if k == "" || v == "" {
				continue
			}
			n.Params[k] = v
		}
		if len(n.Params) == 0 {
			n.Params = nil
		}
	}
	return n
}

// Validate checks a normalized request.
func (r Request) Validate() error {
	if !symbolRe.MatchString(r.Symbol) {
		return fmt.Errorf("%w: bad symbol %q", ErrInvalidRequest, r.Symbol)
	}
	if !indicatorRe.MatchString(r.Indicator) {
		return fmt.Errorf("%w: bad indicator %q", ErrInvalidRequest, r.Indicator)
	}
	return nil
}

// CacheKey returns the deterministic cache key for the normalized
// request. Params are ordered by name so map iteration order cannot
// produce distinct keys for equal requests.
func (r Request) CacheKey() string {
	var b strings.Builder
	b.WriteString("signal:v1:")
	b.WriteString(r.Symbol)
	b.WriteByte(':')
	b.WriteString(r.Indicator)
	if len(r.Params) > 0 {
		keys := make([]string, 0, len(r.Params))
		for k := range r.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(':')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(r.Params[k])
		}
	}
	return b.String()
}

// KeyPattern returns the glob matching every cached signal for a
// symbol, used for invalidation. An empty symbol matches all signals.
func KeyPattern(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "signal:v1:*"
	}
	return "signal:v1:" + symbol + ":*"
}

// Result is a computed signal plus provenance (value type).
type Result struct {
	Symbol    string
	Indicator string
	Payload   []byte // raw provider payload, JSON
	Stale     bool   // true when served from an expired cache entry
}
