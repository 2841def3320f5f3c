package dataset

import (
	"context"
	"errors"
)

const defaultPrefetchDepth = 2

// Prefetch pulls batches from src ahead of the consumer through a bounded
// queue, overlapping data loading with compute. The returned source is not
// restartable.
func Prefetch(ctx context.Context, src Source, depth int) Source {
	if depth <= 0 {
		depth = defaultPrefetchDepth
	}
	p := &prefetchSource{
		batches: make(chan Batch, depth),
		errs:    make(chan error, 1),
	}
	go func() {
		defer close(p.batches)
		for {
			b, err := src.Next(ctx)
			if err != nil {
				p.errs <- err
				return
			}
			select {
			case <-ctx.Done():
				p.errs <- ctx.Err()
				return
			case p.batches <- b:
			}
		}
	}()
	return p
}

type prefetchSource struct {
	batches chan Batch
	errs    chan error
}

func (p *prefetchSource) Next(ctx context.Context) (Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-p.batches:
		if !ok {
			return nil, <-p.errs
		}
		return b, nil
	}
}

func (p *prefetchSource) Reset() error {
	return errors.New("dataset: prefetched sources cannot be reset")
}
