// Package billing resolves plan prices, checks subscription status and starts
// checkout sessions through the remote billing functions.
package billing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"

	TierFree = "free"
	TierPro  = "pro"
)

// Catalog maps billing cycles to provider price ids and lists the product ids
// that grant the pro tier.
type Catalog struct {
	Prices      map[string]string `yaml:"prices"`
	ProProducts []string          `yaml:"pro_products"`
}

// LoadCatalog reads the YAML catalog at path, then applies
// BILLING_PRICE_MONTHLY, BILLING_PRICE_YEARLY and BILLING_PRO_PRODUCTS.
// A missing file yields an empty catalog.
func LoadCatalog(path string) (Catalog, error) {
	catalog := Catalog{Prices: map[string]string{}}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Catalog{}, fmt.Errorf("read billing catalog: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &catalog); err != nil {
				return Catalog{}, fmt.Errorf("parse billing catalog: %w", err)
			}
		}
	}
	if catalog.Prices == nil {
		catalog.Prices = map[string]string{}
	}
	if v := strings.TrimSpace(os.Getenv("BILLING_PRICE_MONTHLY")); v != "" {
		catalog.Prices[CycleMonthly] = v
	}
	if v := strings.TrimSpace(os.Getenv("BILLING_PRICE_YEARLY")); v != "" {
		catalog.Prices[CycleYearly] = v
	}
	if v := strings.TrimSpace(os.Getenv("BILLING_PRO_PRODUCTS")); v != "" {
		catalog.ProProducts = nil
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				catalog.ProProducts = append(catalog.ProProducts, id)
			}
		}
	}
	return catalog, nil
}

// PriceID returns the price for cycle, or false when the cycle is unknown or
// unpriced.
func (c Catalog) PriceID(cycle string) (string, bool) {
	id, ok := c.Prices[strings.ToLower(strings.TrimSpace(cycle))]
	return id, ok && id != ""
}

func (c Catalog) TierFor(productID string) string {
	if productID == "" {
		return TierFree
	}
	for _, id := range c.ProProducts {
		if id == productID {
			return TierPro
		}
	}
	return TierFree
}
