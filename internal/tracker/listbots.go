package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetlab/fleetadmin/internal/swarming"
)

// MaxConcurrentListCalls bounds the fan-out against the task-execution
// service when listing bots for multiple selectors.
const MaxConcurrentListCalls = 10

// BotSelector filters a bot listing. Empty fields are not applied; a fully
// empty selector is an error.
type BotSelector struct {
	DutID   string
	DutName string
	Model   string
	Pools   []string
}

func (s BotSelector) dimensions() map[string][]string {
	dims := make(map[string][]string)
	if s.DutID != "" {
		dims[swarming.DutIDDimensionKey] = []string{s.DutID}
	}
	if s.Model != "" {
		dims[swarming.DutModelDimensionKey] = []string{s.Model}
	}
	if len(s.Pools) > 0 {
		dims[swarming.DutPoolDimensionKey] = s.Pools
	}
	if s.DutName != "" {
		dims[swarming.DutNameDimensionKey] = []string{s.DutName}
	}
	return dims
}

// ListBots lists alive bots in a pool, fanning out one query per selector
// with bounded concurrency. The call fails fast on the first selector error.
// With no selectors, all bots in the pool are returned. Results are
// deduplicated by bot ID.
func ListBots(ctx context.Context, client swarming.Client, pool string, sels []BotSelector) ([]swarming.BotInfo, error) {
	if len(sels) == 0 {
		bots, err := client.ListAliveBotsInPool(ctx, pool, nil)
		if err != nil {
			return nil, fmt.Errorf("list bots in pool %s: %w", pool, err)
		}
		return bots, nil
	}

	var (
		mu      sync.Mutex
		batches [][]swarming.BotInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentListCalls)
	for _, sel := range sels {
		sel := sel
		g.Go(func() error {
			dims := sel.dimensions()
			if len(dims) == 0 {
				return fmt.Errorf("empty selector %+v", sel)
			}
			bots, err := client.ListAliveBotsInPool(gctx, pool, dims)
			if err != nil {
				return fmt.Errorf("list bots in pool %s with dimensions %v: %w", pool, dims, err)
			}
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, bots)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return flattenAndDeduplicateBots(batches), nil
}

func flattenAndDeduplicateBots(batches [][]swarming.BotInfo) []swarming.BotInfo {
	seen := make(map[string]swarming.BotInfo)
	for _, batch := range batches {
		for _, b := range batch {
			seen[b.BotID] = b
		}
	}
	bots := make([]swarming.BotInfo, 0, len(seen))
	for _, b := range seen {
		bots = append(bots, b)
	}
	return bots
}

// listRetries is the fixed attempt count for bot listings backing audit
// scheduling; the backoff doubles from listRetryDelay between attempts.
const (
	listRetries    = 3
	listRetryDelay = 200 * time.Millisecond
)

// ListAliveBotsWithRetry lists alive bots in a pool, retrying transient
// failures a fixed number of times with short exponential backoff.
func ListAliveBotsWithRetry(ctx context.Context, client swarming.Client, pool string, dims map[string][]string) ([]swarming.BotInfo, error) {
	var lastErr error
	delay := listRetryDelay
	for attempt := 0; attempt < listRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		bots, err := client.ListAliveBotsInPool(ctx, pool, dims)
		if err == nil {
			return bots, nil
		}
		lastErr = err
		if attempt < listRetries-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, fmt.Errorf("list alive bots after %d attempts: %w", listRetries, lastErr)
}
