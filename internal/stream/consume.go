package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/matt-riley/flagedge/internal/core"
)

const resubscribeInterval = time.Second

// UpdateSubscriber is a source of feature updates. The channel closes when
// the underlying feed is lost.
type UpdateSubscriber interface {
	SubscribeFeatureUpdates(ctx context.Context) (<-chan core.FeatureUpdate, error)
}

// Consume forwards updates from subscriber until ctx ends. A lost feed is
// resubscribed immediately and then retried every resubscribeInterval.
func (f *Fanout) Consume(ctx context.Context, subscriber UpdateSubscriber) error {
	updates, err := subscriber.SubscribeFeatureUpdates(ctx)
	if err != nil {
		return fmt.Errorf("subscribe feature updates: %w", err)
	}

	go func() {
		retry := time.NewTicker(resubscribeInterval)
		defer retry.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-retry.C:
				if updates != nil {
					continue
				}
				next, err := subscriber.SubscribeFeatureUpdates(ctx)
				if err != nil {
					f.logger.Warn("resubscribe feature updates failed", "error", err)
					continue
				}
				updates = next
			case update, ok := <-updates:
				if !ok {
					next, err := subscriber.SubscribeFeatureUpdates(ctx)
					if err != nil {
						updates = nil
						continue
					}
					updates = next
					continue
				}
				f.UpdateFeatures(update)
			}
		}
	}()

	return nil
}
