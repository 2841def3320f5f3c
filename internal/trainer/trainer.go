package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/RussPalms/felafax-dev/internal/config"
	"github.com/RussPalms/felafax-dev/internal/dataset"
	"github.com/RussPalms/felafax-dev/internal/dtype"
	"github.com/RussPalms/felafax-dev/internal/export"
	"github.com/RussPalms/felafax-dev/internal/mesh"
	"github.com/RussPalms/felafax-dev/internal/metrics"
	"github.com/RussPalms/felafax-dev/internal/model"
	"github.com/RussPalms/felafax-dev/internal/optimizer"
)

// ErrValidationUnimplemented is returned by Validate: the validation step is
// an explicit stub, not silently invented semantics.
var ErrValidationUnimplemented = errors.New("trainer: validation step not implemented")

// Checkpointer persists step-tagged model snapshots. Save may run
// asynchronously; WaitUntilFinished is the completion barrier.
type Checkpointer interface {
	Save(m *model.Model, cfg *model.Config, step int)
	WaitUntilFinished() error
	Dir() string
}

// ExportFunc writes a portable-format model snapshot.
type ExportFunc func(m *model.Model, cfg *model.Config, outputDir, tokenizerName string, opts ...export.Option) error

// Trainer owns the model, the optimizer state and the data sources, and
// drives the epoch loop. Parameters and optimizer state are replaced after
// every step, never mutated, so the trainer stays the single writer of both.
type Trainer struct {
	cfg      config.TrainerConfig
	mesh     *mesh.Mesh
	ckpt     Checkpointer
	train    dataset.Source
	val      dataset.Source
	mdl      *model.Model
	mdlCfg   *model.Config
	opt      optimizer.Optimizer
	optState optimizer.State
	exportFn ExportFunc
	logger   *slog.Logger
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithMesh supplies a prebuilt device mesh instead of constructing one from
// the configured device count.
func WithMesh(m *mesh.Mesh) Option {
	return func(t *Trainer) { t.mesh = m }
}

// WithCheckpointer enables per-step checkpointing.
func WithCheckpointer(c Checkpointer) Option {
	return func(t *Trainer) { t.ckpt = c }
}

// WithExportFunc replaces the export collaborator.
func WithExportFunc(fn ExportFunc) Option {
	return func(t *Trainer) { t.exportFn = fn }
}

// WithOptimizer replaces the default SGD optimizer.
func WithOptimizer(o optimizer.Optimizer) Option {
	return func(t *Trainer) { t.opt = o }
}

// WithLogger routes trainer logs somewhere other than slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// New loads the model, builds the mesh and initializes optimizer state.
// Misconfiguration (empty model name, unsupported device count) and model
// load failures are fatal here, before any training work starts.
func New(cfg config.TrainerConfig, train, val dataset.Source, opts ...Option) (*Trainer, error) {
	if cfg.ModelName == "" {
		return nil, errors.New("trainer: model name must be provided")
	}
	t := &Trainer{
		cfg:      cfg,
		train:    train,
		val:      val,
		exportFn: export.Save,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.train == nil {
		return nil, errors.New("trainer: training data source must be provided")
	}
	if t.mesh == nil {
		m, err := mesh.Build(cfg.NumDevices)
		if err != nil {
			return nil, err
		}
		t.mesh = m
	}

	mdl, mdlCfg, err := model.Load(cfg.ModelName)
	if err != nil {
		return nil, fmt.Errorf("trainer: load model %q: %w", cfg.ModelName, err)
	}
	t.mdl = mdl
	t.mdlCfg = mdlCfg

	if t.opt == nil {
		t.opt = optimizer.NewSGD(1e-3)
	}
	state, err := t.opt.Init(mdl.Params())
	if err != nil {
		return nil, err
	}
	t.optState = state
	return t, nil
}

// Model returns the current model.
func (t *Trainer) Model() *model.Model { return t.mdl }

// Train runs the epoch loop: preprocess, place on the mesh, step, report,
// checkpoint; then a final checkpoint, the wait barrier, and the export.
// Any error aborts the run; there is no retry anywhere in this loop.
func (t *Trainer) Train(ctx context.Context) error {
	params, static := t.mdl.Partition()
	optState := t.optState

	batchSharding := t.mesh.Sharding(mesh.AxisBatch)
	replicated := t.mesh.Sharding()

	reporter := metrics.NewReporter(t.logger, 0)
	defer reporter.Close()

	step := 0
	if err := t.runEpochs(ctx, reporter, batchSharding, replicated, &params, static, &optState, &step); err != nil {
		return err
	}

	t.mdl = model.Combine(params, static)
	t.optState = optState

	if t.ckpt != nil {
		t.ckpt.Save(t.mdl, t.mdlCfg, step)
		if err := t.ckpt.WaitUntilFinished(); err != nil {
			return err
		}
		t.logger.Info("final checkpoint saved", "dir", t.ckpt.Dir())
	}

	outDType, err := dtype.Parse(t.cfg.OutputDType)
	if err != nil {
		return err
	}
	exportDir := filepath.Join(t.cfg.BaseDir, "hf_export")
	if err := t.exportFn(t.mdl, t.mdlCfg, exportDir, t.cfg.ModelName, export.WithDType(outDType)); err != nil {
		return err
	}
	t.logger.Info("training complete", "steps", step, "export_dir", exportDir)
	return nil
}

func (t *Trainer) runEpochs(ctx context.Context, reporter *metrics.Reporter, batchSharding, replicated mesh.NamedSharding, params *model.Params, static model.Static, optState *optimizer.State, step *int) error {
	epochs := t.cfg.NumEpochs
	if epochs <= 0 {
		epochs = 1
	}
	for epoch := 0; epoch < epochs; epoch++ {
		if epoch > 0 {
			if err := t.train.Reset(); err != nil {
				return fmt.Errorf("trainer: restart data source for epoch %d: %w", epoch+1, err)
			}
		}
		for {
			if t.cfg.NumSteps > 0 && *step >= t.cfg.NumSteps {
				return nil
			}
			batch, err := t.train.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}

			batch, err = preprocessBatch(batch)
			if err != nil {
				return err
			}
			if err := placeBatch(batch, batchSharding); err != nil {
				return err
			}
			if err := placeState(*optState, replicated); err != nil {
				return err
			}

			start := time.Now()
			loss, accuracy, newParams, newState, err := trainStep(*params, static, t.opt, *optState, batch)
			if err != nil {
				return err
			}
			*params, *optState = newParams, newState
			*step++

			reporter.Report(metrics.Step{
				Step:     *step,
				Epoch:    epoch + 1,
				Loss:     float64(loss),
				Accuracy: float64(accuracy),
				Tokens:   numTokens(batch),
				Duration: time.Since(start),
			})

			if t.ckpt != nil {
				t.ckpt.Save(model.Combine(*params, static), t.mdlCfg, *step)
			}
		}
	}
	return nil
}

// Validate is deliberately unimplemented; callers get a loud error instead
// of invented validation metrics.
func (t *Trainer) Validate(context.Context) error {
	return ErrValidationUnimplemented
}

// placeBatch checks every batch tensor against the batch-axis sharding
// before compute: the leading dimension must divide across the axis.
func placeBatch(b dataset.Batch, s mesh.NamedSharding) error {
	for name, v := range b {
		shape := v.Shape()
		if len(shape) == 0 {
			return fmt.Errorf("trainer: tensor %q is scalar and cannot be batch-sharded", name)
		}
		if _, err := s.Split(shape[0]); err != nil {
			return fmt.Errorf("trainer: place %q: %w", name, err)
		}
	}
	return nil
}

// placeState replicates the optimizer state across the mesh.
func placeState(state optimizer.State, s mesh.NamedSharding) error {
	for name, v := range state {
		rows := 1
		if shape := v.Shape(); len(shape) > 0 {
			rows = shape[0]
		}
		if _, err := s.Split(rows); err != nil {
			return fmt.Errorf("trainer: place optimizer state %q: %w", name, err)
		}
	}
	return nil
}

func numTokens(b dataset.Batch) int {
	ids, ok := b["input_ids"]
	if !ok {
		return 0
	}
	shape := ids.Shape()
	if len(shape) < 2 {
		return 0
	}
	return shape[0] * shape[1]
}
