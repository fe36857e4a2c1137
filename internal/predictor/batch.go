package predictor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/perdiem/internal/domain"
)

// BatchItem is the outcome for one trip of a batch. Err is set for an
// invalid trip; the rest of the batch is unaffected.
type BatchItem struct {
	Result Result
	Err    error
}

// PredictBatch scores trips concurrently with at most workers goroutines.
// Results are returned in input order. Only context cancellation fails the
// whole batch.
func (p *Predictor) PredictBatch(ctx context.Context, trips []domain.Trip, workers int) ([]BatchItem, error) {
	if workers <= 0 {
		workers = 1
	}

	items := make([]BatchItem, len(trips))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range trips {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := p.Predict(trips[i])
			items[i] = BatchItem{Result: res, Err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}
