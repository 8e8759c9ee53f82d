// Package loader reads whole collections from the store by following
// continuation tokens.
package loader

import (
	"context"
	"errors"
	"fmt"

	"dissolve/api/internal/store"
)

var ErrTokenLoop = errors.New("continuation token repeated")

// PageFunc fetches one page. An empty returned token ends the load.
type PageFunc[T any] func(ctx context.Context, opts store.ListOptions) (store.Page[T], error)

// All loads every item of a collection. batchSize governs throughput only;
// the load continues until the backend stops returning a token. Any page
// failure aborts the load and no partial result is returned.
func All[T any](ctx context.Context, fetch PageFunc[T], batchSize int, filter *store.Filter) ([]T, error) {
	var (
		items []T
		token string
		seen  = make(map[string]struct{})
	)
	for pageNo := 1; ; pageNo++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := fetch(ctx, store.ListOptions{Filter: filter, Limit: batchSize, NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNo, err)
		}
		items = append(items, page.Items...)
		if page.NextToken == "" {
			return items, nil
		}
		if _, dup := seen[page.NextToken]; dup {
			return nil, fmt.Errorf("page %d: %w", pageNo, ErrTokenLoop)
		}
		seen[page.NextToken] = struct{}{}
		token = page.NextToken
	}
}

// Source is the read side of the store used by reconciliation.
type Source interface {
	ListResidents(context.Context, store.ListOptions) (store.Page[store.Resident], error)
	ListConsents(context.Context, store.ListOptions) (store.Page[store.Consent], error)
	ListAddresses(context.Context, store.ListOptions) (store.Page[store.Address], error)
}

// Reference is an in-memory snapshot of the collections a bulk operation reads.
type Reference struct {
	Residents []store.Resident
	Consents  []store.Consent
	Addresses []store.Address
}

func LoadReference(ctx context.Context, src Source, batchSize int) (Reference, error) {
	residents, err := All(ctx, src.ListResidents, batchSize, nil)
	if err != nil {
		return Reference{}, fmt.Errorf("load residents: %w", err)
	}
	consents, err := All(ctx, src.ListConsents, batchSize, nil)
	if err != nil {
		return Reference{}, fmt.Errorf("load consents: %w", err)
	}
	addresses, err := All(ctx, src.ListAddresses, batchSize, nil)
	if err != nil {
		return Reference{}, fmt.Errorf("load addresses: %w", err)
	}
	return Reference{Residents: residents, Consents: consents, Addresses: addresses}, nil
}
