package trainer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RussPalms/felafax-dev/internal/config"
	"github.com/RussPalms/felafax-dev/internal/dataset"
	"github.com/RussPalms/felafax-dev/internal/export"
	"github.com/RussPalms/felafax-dev/internal/mesh"
	"github.com/RussPalms/felafax-dev/internal/model"
	"github.com/RussPalms/felafax-dev/internal/optimizer"
)

func init() {
	model.Register("tiny-bigram", func(string) (*model.Model, *model.Config, error) {
		m, cfg := model.NewBigram(8, 1)
		return m, cfg, nil
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCheckpointer records the step of every Save and whether the wait
// barrier has been crossed.
type fakeCheckpointer struct {
	dir    string
	steps  []int
	waited bool
}

func (f *fakeCheckpointer) Save(_ *model.Model, _ *model.Config, step int) {
	f.steps = append(f.steps, step)
}

func (f *fakeCheckpointer) WaitUntilFinished() error {
	f.waited = true
	return nil
}

func (f *fakeCheckpointer) Dir() string { return f.dir }

// resetCountingSource counts epoch restarts of the wrapped source.
type resetCountingSource struct {
	src    dataset.Source
	resets int
}

func (r *resetCountingSource) Next(ctx context.Context) (dataset.Batch, error) {
	return r.src.Next(ctx)
}

func (r *resetCountingSource) Reset() error {
	r.resets++
	return r.src.Reset()
}

func evalLoss(t *testing.T, params model.Params, static model.Static, batch dataset.Batch) float32 {
	t.Helper()
	logits, err := static.Forward(params, batch["input_ids"], batch["attention_mask"], batch["position_ids"])
	require.NoError(t, err)
	shiftedLogits, err := dropLastPosition(logits)
	require.NoError(t, err)
	shiftedLabels, err := dropFirstPosition(batch["labels"])
	require.NoError(t, err)
	loss, _, err := crossEntropyLossAndAccuracy(shiftedLogits, shiftedLabels, nil)
	require.NoError(t, err)
	return loss
}

func TestTrainRunsStepsCheckpointsAndExports(t *testing.T) {
	cfg := config.TrainerConfig{
		ModelName:  "tiny-bigram",
		NumEpochs:  1,
		NumSteps:   2,
		NumDevices: 4,
		BaseDir:    t.TempDir(),
	}
	src := dataset.NewSynthetic(2, 4, 3, 3)
	ckpt := &fakeCheckpointer{dir: filepath.Join(cfg.BaseDir, "checkpoints")}

	var (
		exportCalls     int
		exportDir       string
		exportTokenizer string
		exportAfterWait bool
	)
	exportFn := func(m *model.Model, c *model.Config, outputDir, tokenizerName string, _ ...export.Option) error {
		exportCalls++
		exportDir = outputDir
		exportTokenizer = tokenizerName
		exportAfterWait = ckpt.waited
		return nil
	}

	tr, err := New(cfg, src, nil,
		WithCheckpointer(ckpt),
		WithExportFunc(exportFn),
		WithOptimizer(optimizer.NewSGD(0.5)),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	initial, _ := model.NewBigram(8, 1)
	initialParams, _ := initial.Partition()

	probe := fixedTokenBatch(t, 2, 4, 3)
	_, probeStatic := tr.Model().Partition()
	lossBefore := evalLoss(t, initialParams, probeStatic, probe)

	require.NoError(t, tr.Train(context.Background()))

	finalParams, finalStatic := tr.Model().Partition()
	lossAfter := evalLoss(t, finalParams, finalStatic, probe)
	assert.Less(t, lossAfter, lossBefore)

	// one save per step plus the final save, which repeats the last step
	assert.Equal(t, []int{1, 2, 2}, ckpt.steps)
	assert.True(t, ckpt.waited)
	assert.Equal(t, 1, exportCalls)
	assert.True(t, exportAfterWait, "export must run after the checkpoint wait barrier")
	assert.Equal(t, filepath.Join(cfg.BaseDir, "hf_export"), exportDir)
	assert.Equal(t, "tiny-bigram", exportTokenizer)
}

func TestTrainUnboundedStepsRunEveryEpoch(t *testing.T) {
	cfg := config.TrainerConfig{
		ModelName:  "tiny-bigram",
		NumEpochs:  2,
		NumSteps:   0,
		NumDevices: 4,
		BaseDir:    t.TempDir(),
	}
	src := &resetCountingSource{src: dataset.NewSynthetic(2, 4, 3, 3)}
	ckpt := &fakeCheckpointer{dir: cfg.BaseDir}

	tr, err := New(cfg, src, nil,
		WithCheckpointer(ckpt),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background()))

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 6}, ckpt.steps)
	assert.Equal(t, 1, src.resets, "the source restarts once, before the second epoch")

	// the default export writes a real snapshot under base_dir/hf_export
	_, err = os.Stat(filepath.Join(cfg.BaseDir, "hf_export", "model.safetensors"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.BaseDir, "hf_export", "config.json"))
	assert.NoError(t, err)
}

func TestTrainWithoutCheckpointerStillExports(t *testing.T) {
	cfg := config.TrainerConfig{
		ModelName:  "tiny-bigram",
		NumEpochs:  1,
		NumSteps:   1,
		NumDevices: 4,
		BaseDir:    t.TempDir(),
	}
	var exportCalls int
	exportFn := func(*model.Model, *model.Config, string, string, ...export.Option) error {
		exportCalls++
		return nil
	}
	tr, err := New(cfg, dataset.NewSynthetic(2, 4, 1, 3), nil,
		WithExportFunc(exportFn),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background()))
	assert.Equal(t, 1, exportCalls)
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	src := dataset.NewSynthetic(2, 4, 1, 3)

	_, err := New(config.TrainerConfig{NumDevices: 4}, src, nil)
	assert.ErrorContains(t, err, "model name")

	_, err = New(config.TrainerConfig{ModelName: "tiny-bigram", NumDevices: 4}, nil, nil)
	assert.ErrorContains(t, err, "training data source")

	_, err = New(config.TrainerConfig{ModelName: "no-such-model", NumDevices: 4}, src, nil)
	assert.ErrorContains(t, err, `load model "no-such-model"`)

	_, err = New(config.TrainerConfig{ModelName: "tiny-bigram", NumDevices: 5}, src, nil)
	assert.True(t, errors.Is(err, mesh.ErrUnsupportedTopology))
}

func TestValidateIsUnimplemented(t *testing.T) {
	tr, err := New(
		config.TrainerConfig{ModelName: "tiny-bigram", NumDevices: 4, BaseDir: t.TempDir()},
		dataset.NewSynthetic(2, 4, 1, 3), nil,
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Validate(context.Background()), ErrValidationUnimplemented)
}
