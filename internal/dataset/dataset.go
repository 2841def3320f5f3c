package dataset

import (
	"context"
	"io"

	"github.com/pdevine/tensor"
)

// Batch maps tensor names ("input_ids", "labels", "attention_mask", ...) to
// their values. All tensors in a batch share one leading batch dimension and
// one sequence length.
type Batch map[string]*tensor.Dense

// Source yields batches until exhaustion, signalled by io.EOF. Restart
// behavior is the source's contract; sources that cannot restart return an
// error from Reset.
type Source interface {
	Next(ctx context.Context) (Batch, error)
	Reset() error
}

// SliceSource serves a fixed in-memory sequence of batches.
type SliceSource struct {
	batches []Batch
	pos     int
}

// NewSliceSource wraps batches in a restartable Source.
func NewSliceSource(batches ...Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

// Next returns the next batch, or io.EOF once the sequence is exhausted.
func (s *SliceSource) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

// Reset rewinds to the first batch.
func (s *SliceSource) Reset() error {
	s.pos = 0
	return nil
}
