package accounts

import (
	"context"
	"sort"
)

// Selector filters and orders the registry into a usable account pool for
// the routing layer.
type Selector struct {
	registry *Registry
}

// NewSelector creates a selector over the given registry
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// Available returns the accounts eligible to serve traffic, fully decrypted,
// ordered by priority descending. Equal priorities tie-break on account id
// ascending so the order is deterministic regardless of store enumeration.
func (s *Selector) Available(ctx context.Context) ([]*Account, error) {
	all, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Account, 0, len(all))
	for _, summary := range all {
		if !summary.Active || summary.Status != StatusActive {
			continue
		}
		acct, err := s.registry.Get(ctx, summary.ID)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			continue
		}
		out = append(out, acct)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})

	return out, nil
}

// SelectForModel returns the highest-priority available account that
// supports the given model, or nil when none qualifies.
func (s *Selector) SelectForModel(ctx context.Context, model string) (*Account, error) {
	available, err := s.Available(ctx)
	if err != nil {
		return nil, err
	}
	for _, acct := range available {
		if acct.IsModelSupported(model) {
			return acct, nil
		}
	}
	return nil, nil
}
