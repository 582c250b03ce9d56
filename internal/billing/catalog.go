// Package billing keeps plans and purchased credits in step with Stripe webhook events.
package billing

import (
	"citestack/internal/config"
	"citestack/internal/models"
)

// Catalog maps Stripe price ids to plans and credit packs.
type Catalog struct {
	plans  map[string]string
	grants map[string]int
	packs  map[string]int
}

// NewCatalog builds the price mapping from config. Unset price ids are ignored.
func NewCatalog(cfg config.Config) Catalog {
	c := Catalog{
		plans: map[string]string{},
		grants: map[string]int{
			models.PlanFree:  cfg.FreeMonthlyGrant,
			models.PlanPro:   cfg.ProMonthlyGrant,
			models.PlanPower: cfg.PowerMonthlyGrant,
		},
		packs: map[string]int{},
	}
	if cfg.StripePriceIDPro != "" {
		c.plans[cfg.StripePriceIDPro] = models.PlanPro
	}
	if cfg.StripePriceIDPower != "" {
		c.plans[cfg.StripePriceIDPower] = models.PlanPower
	}
	for price, credits := range map[string]int{
		cfg.StripePriceIDPack5:  120,
		cfg.StripePriceIDPack9:  250,
		cfg.StripePriceIDPack19: 700,
	} {
		if price != "" {
			c.packs[price] = credits
		}
	}
	return c
}

// PlanForPrice returns the plan a subscription price buys.
func (c Catalog) PlanForPrice(priceID string) (plan string, grant int, ok bool) {
	plan, ok = c.plans[priceID]
	if !ok {
		return "", 0, false
	}
	return plan, c.grants[plan], true
}

// PackCredits returns the credits a one-off price buys.
func (c Catalog) PackCredits(priceID string) (int, bool) {
	n, ok := c.packs[priceID]
	return n, ok
}

// FreeGrant is the monthly grant of the free plan.
func (c Catalog) FreeGrant() int { return c.grants[models.PlanFree] }
