package resolver

import (
	"context"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Route is a resolver that only handles some locators.
type Route interface {
	harvest.Resolver
	Matches(locator string) bool
}

// Chain sends each locator to the first matching route, or to the fallback.
type Chain struct {
	routes   []Route
	fallback harvest.Resolver
}

// NewChain builds a Chain.
func NewChain(fallback harvest.Resolver, routes ...Route) *Chain {
	return &Chain{routes: routes, fallback: fallback}
}

// Resolve implements harvest.Resolver.
func (c *Chain) Resolve(ctx context.Context, locator string) ([]harvest.Item, error) {
	for _, r := range c.routes {
		if r.Matches(locator) {
			return r.Resolve(ctx, locator)
		}
	}
	return c.fallback.Resolve(ctx, locator)
}
