package dataset

import "github.com/pdevine/tensor"

// NewSynthetic builds a fixed sequence of identical batches for the
// predict-the-next-fixed-token task: every position holds the same token, so
// the labels (which the training step shifts) are trivially learnable. Used
// for smoke runs and loop tests.
func NewSynthetic(batchSize, seqLen, numBatches int, token int32) *SliceSource {
	ids := make([]int32, batchSize*seqLen)
	for i := range ids {
		ids[i] = token
	}

	batches := make([]Batch, numBatches)
	for i := range batches {
		batches[i] = Batch{
			"input_ids": tensor.New(tensor.WithShape(batchSize, seqLen), tensor.WithBacking(append([]int32(nil), ids...))),
			"labels":    tensor.New(tensor.WithShape(batchSize, seqLen), tensor.WithBacking(append([]int32(nil), ids...))),
		}
	}
	return NewSliceSource(batches...)
}
