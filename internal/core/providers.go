package core

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// ProviderKind selects the provider namespace on the controller.
type ProviderKind string

const (
	ProviderProxy ProviderKind = "proxies"
	ProviderRule  ProviderKind = "rules"
)

// SubscriptionInfo is the usage reported by a proxy provider's subscription.
type SubscriptionInfo struct {
	Upload   int64 `json:"Upload"`
	Download int64 `json:"Download"`
	Total    int64 `json:"Total"`
	Expire   int64 `json:"Expire"`
}

// Provider describes one proxy or rule provider.
type Provider struct {
	Name             string            `json:"name"`
	Kind             ProviderKind      `json:"kind"`
	Type             string            `json:"type"`
	VehicleType      string            `json:"vehicleType"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	SubscriptionInfo *SubscriptionInfo `json:"subscriptionInfo,omitempty"`
}

type providersResponse struct {
	Providers map[string]Provider `json:"providers"`
}

// QueryProviders lists proxy and rule providers sorted by name. Inline
// ("Compatible") providers are left out since they cannot be updated.
func (c *Client) QueryProviders(ctx context.Context) ([]Provider, error) {
	var out []Provider
	for _, kind := range []ProviderKind{ProviderProxy, ProviderRule} {
		var resp providersResponse
		if err := c.do(ctx, http.MethodGet, "/providers/"+string(kind), nil, nil, &resp); err != nil {
			return nil, fmt.Errorf("query %s providers: %w", kind, err)
		}
		for name, p := range resp.Providers {
			if p.VehicleType == "Compatible" {
				continue
			}
			p.Name = name
			p.Kind = kind
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// UpdateProvider asks the core to refetch a provider.
func (c *Client) UpdateProvider(ctx context.Context, kind ProviderKind, name string) error {
	if kind == "" {
		kind = ProviderProxy
	}
	return c.do(ctx, http.MethodPut, "/providers/"+string(kind)+"/"+escape(name), nil, nil, nil)
}
