package trainer

import (
	"errors"
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/RussPalms/felafax-dev/internal/dataset"
	"github.com/RussPalms/felafax-dev/internal/model"
	"github.com/RussPalms/felafax-dev/internal/optimizer"
)

// trainStep runs one forward/backward/update transition and returns the
// loss, the accuracy and the successor parameter and optimizer state. All
// returned state is freshly allocated; the inputs are left untouched.
func trainStep(params model.Params, static model.Static, opt optimizer.Optimizer, state optimizer.State, batch dataset.Batch) (float32, float32, model.Params, optimizer.State, error) {
	inputIDs := batch["input_ids"]
	labels := batch["labels"]
	attentionMask := batch["attention_mask"]
	positionIDs := batch["position_ids"]
	if inputIDs == nil || labels == nil {
		return 0, 0, nil, nil, errors.New("trainer: batch is missing input_ids or labels")
	}

	logits, err := static.Forward(params, inputIDs, attentionMask, positionIDs)
	if err != nil {
		return 0, 0, nil, nil, err
	}

	// Next-token shift: logits at position i predict the label at i+1.
	shiftedLogits, err := dropLastPosition(logits)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	shiftedLabels, err := dropFirstPosition(labels)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	var shiftedMask *tensor.Dense
	if attentionMask != nil {
		shiftedMask, err = dropFirstPosition(attentionMask)
		if err != nil {
			return 0, 0, nil, nil, err
		}
	}

	loss, accuracy, dShifted, err := lossAccuracyGrad(shiftedLogits, shiftedLabels, shiftedMask, true)
	if err != nil {
		return 0, 0, nil, nil, err
	}

	dlogits, err := padLastPosition(dShifted, logits.Shape())
	if err != nil {
		return 0, 0, nil, nil, err
	}
	grads, err := static.Backward(params, inputIDs, attentionMask, positionIDs, dlogits)
	if err != nil {
		return 0, 0, nil, nil, err
	}

	updates, newState, err := opt.Update(grads, state, params)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	newParams, err := optimizer.ApplyUpdates(params, updates)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	return loss, accuracy, newParams, newState, nil
}

// dropLastPosition removes the final sequence position of a
// (batch, seq, vocab) logits tensor.
func dropLastPosition(v *tensor.Dense) (*tensor.Dense, error) {
	shape := v.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("trainer: logits must be (batch, seq, vocab), got shape %v", shape)
	}
	nb, nt, nv := shape[0], shape[1], shape[2]
	if nt < 2 {
		return nil, fmt.Errorf("trainer: sequence length %d is too short for a next-token shift", nt)
	}
	vals, err := float32Values(v)
	if err != nil {
		return nil, err
	}
	out := make([]float32, nb*(nt-1)*nv)
	for b := 0; b < nb; b++ {
		copy(out[b*(nt-1)*nv:(b+1)*(nt-1)*nv], vals[b*nt*nv:b*nt*nv+(nt-1)*nv])
	}
	return tensor.New(tensor.WithShape(nb, nt-1, nv), tensor.WithBacking(out)), nil
}

// dropFirstPosition removes position 0 of a (batch, seq) tensor, keeping
// its dtype.
func dropFirstPosition(v *tensor.Dense) (*tensor.Dense, error) {
	shape := v.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("trainer: expected a (batch, seq) tensor, got shape %v", shape)
	}
	nb, nt := shape[0], shape[1]
	if nt < 2 {
		return nil, fmt.Errorf("trainer: sequence length %d is too short for a next-token shift", nt)
	}
	switch data := v.Data().(type) {
	case []int32:
		out := make([]int32, nb*(nt-1))
		for b := 0; b < nb; b++ {
			copy(out[b*(nt-1):], data[b*nt+1:(b+1)*nt])
		}
		return tensor.New(tensor.WithShape(nb, nt-1), tensor.WithBacking(out)), nil
	case []float32:
		out := make([]float32, nb*(nt-1))
		for b := 0; b < nb; b++ {
			copy(out[b*(nt-1):], data[b*nt+1:(b+1)*nt])
		}
		return tensor.New(tensor.WithShape(nb, nt-1), tensor.WithBacking(out)), nil
	case []bool:
		out := make([]bool, nb*(nt-1))
		for b := 0; b < nb; b++ {
			copy(out[b*(nt-1):], data[b*nt+1:(b+1)*nt])
		}
		return tensor.New(tensor.WithShape(nb, nt-1), tensor.WithBacking(out)), nil
	default:
		return nil, fmt.Errorf("trainer: unsupported backing %T", data)
	}
}

// padLastPosition widens a shifted gradient back to the full logits shape;
// the dropped final position carries zero gradient.
func padLastPosition(v *tensor.Dense, full tensor.Shape) (*tensor.Dense, error) {
	if len(full) != 3 {
		return nil, fmt.Errorf("trainer: logits must be (batch, seq, vocab), got shape %v", full)
	}
	nb, nt, nv := full[0], full[1], full[2]
	vals, err := float32Values(v)
	if err != nil {
		return nil, err
	}
	if len(vals) != nb*(nt-1)*nv {
		return nil, fmt.Errorf("trainer: shifted gradient has %d values, want %d", len(vals), nb*(nt-1)*nv)
	}
	out := make([]float32, nb*nt*nv)
	for b := 0; b < nb; b++ {
		copy(out[b*nt*nv:], vals[b*(nt-1)*nv:(b+1)*(nt-1)*nv])
	}
	return tensor.New(tensor.WithShape(nb, nt, nv), tensor.WithBacking(out)), nil
}
