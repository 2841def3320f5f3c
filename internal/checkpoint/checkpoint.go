package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/RussPalms/felafax-dev/internal/dtype"
	"github.com/RussPalms/felafax-dev/internal/model"
)

// Snapshot is the on-disk checkpoint payload.
type Snapshot struct {
	Step    int               `cbor:"step"`
	Config  *model.Config     `cbor:"config"`
	Tensors map[string]Tensor `cbor:"tensors"`
}

// Tensor is one serialized parameter.
type Tensor struct {
	DType string `cbor:"dtype"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

// Checkpointer persists step-tagged model snapshots. Saves are dispatched
// asynchronously so the training loop never waits on disk; WaitUntilFinished
// is the completion barrier and reports the first write error.
type Checkpointer struct {
	dir   string
	dt    dtype.DType
	group errgroup.Group

	mu  sync.Mutex
	err error
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithDType selects the storage precision for parameter tensors.
func WithDType(d dtype.DType) Option {
	return func(c *Checkpointer) { c.dt = d }
}

// New creates the checkpoint directory.
func New(dir string, opts ...Option) (*Checkpointer, error) {
	if dir == "" {
		return nil, errors.New("checkpoint: directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create %s: %w", dir, err)
	}
	c := &Checkpointer{dir: dir, dt: dtype.Float32}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the checkpoint directory.
func (c *Checkpointer) Dir() string { return c.dir }

// Path returns the checkpoint file for a step.
func (c *Checkpointer) Path(step int) string {
	return filepath.Join(c.dir, fmt.Sprintf("step_%06d.ckpt", step))
}

// Save persists the model at a step and returns immediately. Parameters are
// replaced rather than mutated after a step, so the snapshot can be encoded
// without copying. Errors surface from WaitUntilFinished.
func (c *Checkpointer) Save(m *model.Model, cfg *model.Config, step int) {
	params, _ := m.Partition()
	c.group.Go(func() error {
		if err := c.write(params, cfg, step); err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = err
			}
			c.mu.Unlock()
		}
		return nil
	})
}

// WaitUntilFinished blocks until every pending save completes and returns
// the first error any of them hit.
func (c *Checkpointer) WaitUntilFinished() error {
	_ = c.group.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Checkpointer) write(params model.Params, cfg *model.Config, step int) error {
	snap := Snapshot{
		Step:    step,
		Config:  cfg,
		Tensors: make(map[string]Tensor, len(params)),
	}
	for name, p := range params {
		vals, ok := p.Data().([]float32)
		if !ok {
			return fmt.Errorf("checkpoint: parameter %q is not float32", name)
		}
		snap.Tensors[name] = Tensor{
			DType: string(c.dt),
			Shape: append([]int(nil), p.Shape()...),
			Data:  c.dt.Encode(vals),
		}
	}

	payload, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: encode step %d: %w", step, err)
	}
	path := c.Path(step)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return nil
}

// Restore reads a checkpoint back into parameters, config and step, for
// callers resuming a run from its last saved artifact.
func Restore(path string) (model.Params, *model.Config, int, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := cbor.Unmarshal(payload, &snap); err != nil {
		return nil, nil, 0, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}

	params := make(model.Params, len(snap.Tensors))
	for name, t := range snap.Tensors {
		d, err := dtype.Parse(t.DType)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
		}
		vals, err := d.Decode(t.Data)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
		}
		params[name] = tensor.New(tensor.WithShape(t.Shape...), tensor.WithBacking(vals))
	}
	return params, snap.Config, snap.Step, nil
}
