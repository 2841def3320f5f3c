package optimizer

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/RussPalms/felafax-dev/internal/model"
)

// State carries per-parameter accumulators. Update replaces it wholesale;
// existing state is never mutated.
type State map[string]*tensor.Dense

// Optimizer turns gradients into parameter updates in functional style: both
// the updates and the successor state are fresh values.
type Optimizer interface {
	Init(params model.Params) (State, error)
	Update(grads model.Params, state State, params model.Params) (model.Params, State, error)
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	LearningRate float32
	Momentum     float32
}

// NewSGD returns plain SGD at the given learning rate.
func NewSGD(lr float32) *SGD {
	return &SGD{LearningRate: lr}
}

// Init allocates zeroed momentum buffers shaped like the parameters.
func (s *SGD) Init(params model.Params) (State, error) {
	state := make(State, len(params))
	for name, p := range params {
		vals, ok := p.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("optimizer: parameter %q is not float32", name)
		}
		state[name] = tensor.New(tensor.WithShape(p.Shape()...), tensor.WithBacking(make([]float32, len(vals))))
	}
	return state, nil
}

// Update filters gradients through the momentum buffers and scales by the
// negative learning rate.
func (s *SGD) Update(grads model.Params, state State, params model.Params) (model.Params, State, error) {
	updates := make(model.Params, len(grads))
	next := make(State, len(grads))
	for name, g := range grads {
		gv, ok := g.Data().([]float32)
		if !ok {
			return nil, nil, fmt.Errorf("optimizer: gradient %q is not float32", name)
		}
		buf, ok := state[name]
		if !ok {
			return nil, nil, fmt.Errorf("optimizer: no state for parameter %q", name)
		}
		bv, ok := buf.Data().([]float32)
		if !ok || len(bv) != len(gv) {
			return nil, nil, fmt.Errorf("optimizer: state for %q does not match gradient", name)
		}

		nb := make([]float32, len(gv))
		uv := make([]float32, len(gv))
		for i := range gv {
			nb[i] = s.Momentum*bv[i] + gv[i]
			uv[i] = -s.LearningRate * nb[i]
		}
		next[name] = tensor.New(tensor.WithShape(g.Shape()...), tensor.WithBacking(nb))
		updates[name] = tensor.New(tensor.WithShape(g.Shape()...), tensor.WithBacking(uv))
	}
	return updates, next, nil
}

// ApplyUpdates adds updates to parameters, producing new parameter tensors
// and leaving the inputs untouched.
func ApplyUpdates(params, updates model.Params) (model.Params, error) {
	out := make(model.Params, len(params))
	for name, p := range params {
		u, ok := updates[name]
		if !ok {
			return nil, fmt.Errorf("optimizer: missing update for parameter %q", name)
		}
		pv, ok := p.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("optimizer: parameter %q is not float32", name)
		}
		uv, ok := u.Data().([]float32)
		if !ok || len(uv) != len(pv) {
			return nil, fmt.Errorf("optimizer: update for %q does not match parameter", name)
		}

		nv := make([]float32, len(pv))
		for i := range pv {
			nv[i] = pv[i] + uv[i]
		}
		out[name] = tensor.New(tensor.WithShape(p.Shape()...), tensor.WithBacking(nv))
	}
	return out, nil
}
