package payment

import (
	"fmt"

	"github.com/IvanWeissVanDerPol/investment-test-sub000/ports"
)

// Config selects and configures the payment provider.
type Config struct {
	// Provider is "stripe" or "none". Empty means "none".
	Provider string
	Stripe   StripeConfig
}

// NewProvider creates a payment provider from configuration.
func NewProvider(cfg Config) (ports.PaymentProvider, error) {
	switch cfg.Provider {
	case "stripe":
		if cfg.Stripe.SecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		return NewStripeProvider(cfg.Stripe), nil

	case "none", "":
		return NewNoopProvider(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", cfg.Provider)
	}
}
