package export

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RussPalms/felafax-dev/internal/dtype"
	"github.com/RussPalms/felafax-dev/internal/model"
)

type stEntry struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

func readSafetensors(t *testing.T, path string) (map[string]stEntry, []byte) {
	t.Helper()
	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(payload), 8)

	n := binary.LittleEndian.Uint64(payload[:8])
	require.LessOrEqual(t, int(8+n), len(payload))

	var header map[string]stEntry
	require.NoError(t, json.Unmarshal(payload[8:8+n], &header))
	return header, payload[8+n:]
}

func TestSaveWritesHuggingFaceLayout(t *testing.T) {
	dir := t.TempDir()
	m, cfg := model.NewBigram(4, 5)

	require.NoError(t, Save(m, cfg, dir, "meta-llama/Llama-3.2-1B"))

	header, data := readSafetensors(t, filepath.Join(dir, "model.safetensors"))
	entry, ok := header["wte"]
	require.True(t, ok)
	assert.Equal(t, "F32", entry.DType)
	assert.Equal(t, []int{4, 4}, entry.Shape)
	assert.Equal(t, [2]int{0, 64}, entry.Offsets)

	got, err := dtype.Float32.Decode(data[entry.Offsets[0]:entry.Offsets[1]])
	require.NoError(t, err)
	assert.Equal(t, m.Params()["wte"].Data(), got)

	var gotCfg model.Config
	payload, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &gotCfg))
	assert.Equal(t, *cfg, gotCfg)

	var tok map[string]string
	payload, err = os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &tok))
	assert.Equal(t, "meta-llama/Llama-3.2-1B", tok["name_or_path"])
}

func TestSaveHalfPrecisionWeights(t *testing.T) {
	dir := t.TempDir()
	m, cfg := model.NewBigram(4, 5)

	require.NoError(t, Save(m, cfg, dir, "tok", WithDType(dtype.Float16)))

	header, data := readSafetensors(t, filepath.Join(dir, "model.safetensors"))
	entry := header["wte"]
	assert.Equal(t, "F16", entry.DType)
	assert.Equal(t, [2]int{0, 32}, entry.Offsets)

	got, err := dtype.Float16.Decode(data[entry.Offsets[0]:entry.Offsets[1]])
	require.NoError(t, err)
	want := m.Params()["wte"].Data().([]float32)
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4)
	}
}
