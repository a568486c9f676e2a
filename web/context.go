package web

import (
	"context"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

type callerCtxKey struct{}

// withCaller stores the authenticated caller in the context.
func withCaller(ctx context.Context, c ports.Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, c)
}

// callerFrom returns the authenticated caller stored by the auth
// middleware.
func callerFrom(ctx context.Context) (ports.Caller, bool) {
	c, ok := ctx.Value(callerCtxKey{}).(ports.Caller)
	return c, ok
}
