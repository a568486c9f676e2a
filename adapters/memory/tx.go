package memory

import (
	"context"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// Tx is a pass-through ports.TxRunner. Memory store mutations are
// individually atomic; there is no multi-statement transaction to
// join, so fn runs directly and its error propagates.
type Tx struct{}

// InTx runs fn with the given context.
func (Tx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Ensure interface compliance.
var _ ports.TxRunner = Tx{}
