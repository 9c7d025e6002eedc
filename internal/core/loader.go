package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"planstate/pkg/domain"

	"github.com/graph-gophers/dataloader"
)

// StateLoader coalesces concurrent single-key state lookups into GetBatch
// calls grouped by as-of date. Results are not cached between batches.
type StateLoader struct {
	loader *dataloader.Loader
}

const loaderSep = "\x1f"

func loaderKey(key domain.Key, asOf domain.Date) dataloader.StringKey {
	return dataloader.StringKey(strings.Join([]string{key.ScenarioID, key.PlanID, key.EntityID, asOf.String()}, loaderSep))
}

func parseLoaderKey(raw string) (domain.Key, domain.Date, error) {
	parts := strings.Split(raw, loaderSep)
	if len(parts) != 4 {
		return domain.Key{}, domain.Date{}, fmt.Errorf("malformed loader key %q", raw)
	}
	asOf, err := domain.ParseDate(parts[3])
	if err != nil {
		return domain.Key{}, domain.Date{}, err
	}
	return domain.Key{ScenarioID: parts[0], PlanID: parts[1], EntityID: parts[2]}, asOf, nil
}

// NewStateLoader constructs a loader over q. wait bounds how long a batch
// collects keys before dispatch.
func NewStateLoader(q *QueryService, wait time.Duration) *StateLoader {
	if wait <= 0 {
		wait = 2 * time.Millisecond
	}
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))
		groups := make(map[domain.Date][]int)
		parsed := make([]domain.Key, len(keys))
		var order []domain.Date
		for i, k := range keys {
			key, asOf, err := parseLoaderKey(k.String())
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			parsed[i] = key
			if _, ok := groups[asOf]; !ok {
				order = append(order, asOf)
			}
			groups[asOf] = append(groups[asOf], i)
		}
		for _, asOf := range order {
			idx := groups[asOf]
			batch := make([]domain.Key, len(idx))
			for j, i := range idx {
				batch[j] = parsed[i]
			}
			states, err := q.GetBatch(ctx, batch, asOf)
			for j, i := range idx {
				switch {
				case err != nil:
					results[i] = &dataloader.Result{Error: err}
				case states[j].Err != nil:
					results[i] = &dataloader.Result{Data: states[j], Error: states[j].Err}
				default:
					results[i] = &dataloader.Result{Data: states[j]}
				}
			}
		}
		return results
	}
	return &StateLoader{
		loader: dataloader.NewBatchedLoader(batchFn,
			dataloader.WithWait(wait),
			dataloader.WithCache(&dataloader.NoCache{}),
		),
	}
}

// Load resolves one key, sharing a batch with concurrent callers.
func (l *StateLoader) Load(ctx context.Context, key domain.Key, asOf domain.Date) (StateResult, error) {
	thunk := l.loader.Load(ctx, loaderKey(key, asOf))
	data, err := thunk()
	if err != nil {
		return StateResult{}, err
	}
	res, ok := data.(StateResult)
	if !ok {
		return StateResult{}, fmt.Errorf("unexpected loader result %T", data)
	}
	return res, nil
}
