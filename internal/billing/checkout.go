package billing

import (
	"context"
	"errors"
	"strings"
)

const createCheckoutFn = "create-checkout"

var (
	ErrUnknownCycle = errors.New("billing: unknown billing cycle")
	ErrMissingURL   = errors.New("billing: checkout response has no url")
)

type Checkout struct {
	remote  invoker
	catalog Catalog
}

func NewCheckout(remote invoker, catalog Catalog) *Checkout {
	return &Checkout{remote: remote, catalog: catalog}
}

// Start creates a checkout session for cycle and returns the URL to open.
// The remote call is made once; a failed attempt is not retried.
func (c *Checkout) Start(ctx context.Context, caller Caller, cycle string) (string, error) {
	priceID, ok := c.catalog.PriceID(cycle)
	if !ok {
		return "", ErrUnknownCycle
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := c.remote.InvokeOnce(ctx, createCheckoutFn, caller.Token, map[string]string{"priceId": priceID}, &out); err != nil {
		return "", err
	}
	url := strings.TrimSpace(out.URL)
	if url == "" {
		return "", ErrMissingURL
	}
	return url, nil
}
