package trainer

import (
	"context"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RussPalms/felafax-dev/internal/dataset"
	"github.com/RussPalms/felafax-dev/internal/model"
	"github.com/RussPalms/felafax-dev/internal/optimizer"
)

func fixedTokenBatch(t *testing.T, nb, nt int, token int32) dataset.Batch {
	t.Helper()
	raw, err := dataset.NewSynthetic(nb, nt, 1, token).Next(context.Background())
	require.NoError(t, err)
	b, err := preprocessBatch(raw)
	require.NoError(t, err)
	return b
}

func TestTrainStepLearnsFixedToken(t *testing.T) {
	m, _ := model.NewBigram(4, 2)
	params, static := m.Partition()

	opt := optimizer.NewSGD(0.5)
	state, err := opt.Init(params)
	require.NoError(t, err)

	batch := fixedTokenBatch(t, 2, 3, 1)

	loss1, acc1, params2, state2, err := trainStep(params, static, opt, state, batch)
	require.NoError(t, err)
	loss2, _, _, _, err := trainStep(params2, static, opt, state2, batch)
	require.NoError(t, err)

	assert.Less(t, loss2, loss1, "loss must decrease on a trivially learnable task")
	assert.GreaterOrEqual(t, acc1, float32(0))
	assert.LessOrEqual(t, acc1, float32(1))
}

func TestTrainStepIsFunctional(t *testing.T) {
	m, _ := model.NewBigram(4, 2)
	params, static := m.Partition()
	before := params.Clone()

	opt := optimizer.NewSGD(0.5)
	state, err := opt.Init(params)
	require.NoError(t, err)
	stateBefore := append([]float32(nil), state["wte"].Data().([]float32)...)

	batch := fixedTokenBatch(t, 2, 3, 1)
	_, _, newParams, newState, err := trainStep(params, static, opt, state, batch)
	require.NoError(t, err)

	assert.Equal(t, before["wte"].Data(), params["wte"].Data(), "input parameters must not be mutated")
	assert.Equal(t, stateBefore, state["wte"].Data(), "input optimizer state must not be mutated")
	assert.NotEqual(t, params["wte"].Data(), newParams["wte"].Data())
	assert.NotNil(t, newState["wte"])
}

func TestTrainStepHonorsAttentionMask(t *testing.T) {
	m, _ := model.NewBigram(4, 2)
	params, static := m.Partition()

	opt := optimizer.NewSGD(0.5)
	state, err := opt.Init(params)
	require.NoError(t, err)

	batch := fixedTokenBatch(t, 1, 3, 1)
	// mask out everything: the step must be a numeric no-op
	batch["attention_mask"] = tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float32{0, 0, 0}))

	loss, acc, newParams, _, err := trainStep(params, static, opt, state, batch)
	require.NoError(t, err)
	assert.Equal(t, float32(0), loss)
	assert.Equal(t, float32(0), acc)
	assert.Equal(t, params["wte"].Data(), newParams["wte"].Data())
}

func TestTrainStepRejectsShortSequences(t *testing.T) {
	m, _ := model.NewBigram(4, 2)
	params, static := m.Partition()

	opt := optimizer.NewSGD(0.5)
	state, err := opt.Init(params)
	require.NoError(t, err)

	batch := dataset.Batch{
		"input_ids": tensor.New(tensor.WithShape(2, 1), tensor.WithBacking([]int32{1, 1})),
		"labels":    tensor.New(tensor.WithShape(2, 1), tensor.WithBacking([]int32{1, 1})),
	}
	_, _, _, _, err = trainStep(params, static, opt, state, batch)
	assert.Error(t, err)
}

func TestDropAndPadHelpers(t *testing.T) {
	lg := tensor.New(tensor.WithShape(1, 3, 2), tensor.WithBacking([]float32{1, 2, 3, 4, 5, 6}))
	shifted, err := dropLastPosition(lg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, []int(shifted.Shape()))
	assert.Equal(t, []float32{1, 2, 3, 4}, shifted.Data())

	labels := tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]int32{7, 8, 9}))
	tail, err := dropFirstPosition(labels)
	require.NoError(t, err)
	assert.Equal(t, []int32{8, 9}, tail.Data())

	padded, err := padLastPosition(shifted, lg.Shape())
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 0, 0}, padded.Data())
}
