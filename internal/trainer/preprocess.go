package trainer

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/RussPalms/felafax-dev/internal/dataset"
)

// preprocessBatch normalizes a batch into the canonical representation:
// float32 for floating tensors, int32 for input_ids and labels, plus a
// synthesized position_ids tensor covering 0..seq-1 on every row. The
// caller's batch and tensors are never modified.
func preprocessBatch(in dataset.Batch) (dataset.Batch, error) {
	ids, ok := in["input_ids"]
	if !ok {
		return nil, fmt.Errorf("trainer: batch has no input_ids")
	}
	shape := ids.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("trainer: input_ids must be 2-D, got shape %v", shape)
	}
	if _, ok := in["labels"]; !ok {
		return nil, fmt.Errorf("trainer: batch has no labels")
	}

	out := make(dataset.Batch, len(in)+1)
	for name, v := range in {
		c, err := canonical(v)
		if err != nil {
			return nil, fmt.Errorf("trainer: tensor %q: %w", name, err)
		}
		out[name] = c
	}
	for _, name := range []string{"input_ids", "labels"} {
		c, err := toInt32(out[name])
		if err != nil {
			return nil, fmt.Errorf("trainer: tensor %q: %w", name, err)
		}
		out[name] = c
	}

	rows, seq := shape[0], shape[1]
	pos := make([]int32, rows*seq)
	for r := 0; r < rows; r++ {
		for i := 0; i < seq; i++ {
			pos[r*seq+i] = int32(i)
		}
	}
	out["position_ids"] = tensor.New(tensor.WithShape(rows, seq), tensor.WithBacking(pos))
	return out, nil
}

// canonical copies a tensor, converting float64 backings to float32.
func canonical(v *tensor.Dense) (*tensor.Dense, error) {
	switch data := v.Data().(type) {
	case []float64:
		f32s := make([]float32, len(data))
		for i, x := range data {
			f32s[i] = float32(x)
		}
		return tensor.New(tensor.WithShape(v.Shape()...), tensor.WithBacking(f32s)), nil
	case []float32, []int32, []int64, []int, []bool:
		return v.Clone().(*tensor.Dense), nil
	default:
		return nil, fmt.Errorf("unsupported backing %T", data)
	}
}

func toInt32(v *tensor.Dense) (*tensor.Dense, error) {
	var out []int32
	switch data := v.Data().(type) {
	case []int32:
		// already canonical; canonical() made this a fresh copy
		return v, nil
	case []int:
		out = make([]int32, len(data))
		for i, x := range data {
			out[i] = int32(x)
		}
	case []int64:
		out = make([]int32, len(data))
		for i, x := range data {
			out[i] = int32(x)
		}
	case []float32:
		out = make([]int32, len(data))
		for i, x := range data {
			out[i] = int32(x)
		}
	default:
		return nil, fmt.Errorf("cannot cast %T to int32", data)
	}
	return tensor.New(tensor.WithShape(v.Shape()...), tensor.WithBacking(out)), nil
}
