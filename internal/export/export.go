package export

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/RussPalms/felafax-dev/internal/dtype"
	"github.com/RussPalms/felafax-dev/internal/model"
)

type options struct {
	dt dtype.DType
}

// Option configures an export.
type Option func(*options)

// WithDType selects the precision the weights are stored at.
func WithDType(d dtype.DType) Option {
	return func(o *options) { o.dt = d }
}

// Save writes the model in Hugging Face layout: a safetensors weight file,
// the architecture config, and a pointer to the tokenizer the model was
// trained with.
func Save(m *model.Model, cfg *model.Config, outputDir, tokenizerName string, opts ...Option) error {
	o := options{dt: dtype.Float32}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("export: create %s: %w", outputDir, err)
	}
	if err := writeSafetensors(filepath.Join(outputDir, "model.safetensors"), m.Params(), o.dt); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(outputDir, "config.json"), cfg); err != nil {
		return err
	}
	tok := map[string]string{"name_or_path": tokenizerName}
	return writeJSON(filepath.Join(outputDir, "tokenizer_config.json"), tok)
}

type headerEntry struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// writeSafetensors emits the standard layout: a little-endian uint64 header
// length, the JSON header, then the tensor data at the declared offsets.
func writeSafetensors(path string, params model.Params, dt dtype.DType) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]headerEntry, len(params))
	blobs := make([][]byte, 0, len(names))
	offset := 0
	for _, name := range names {
		p := params[name]
		vals, ok := p.Data().([]float32)
		if !ok {
			return fmt.Errorf("export: parameter %q is not float32", name)
		}
		blob := dt.Encode(vals)
		header[name] = headerEntry{
			DType:   dt.Safetensors(),
			Shape:   append([]int(nil), p.Shape()...),
			Offsets: [2]int{offset, offset + len(blob)},
		}
		blobs = append(blobs, blob)
		offset += len(blob)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("export: encode header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	if err := writeParts(f, headerJSON, blobs); err != nil {
		f.Close()
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: close %s: %w", path, err)
	}
	return nil
}

func writeParts(f *os.File, headerJSON []byte, blobs [][]byte) error {
	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return err
	}
	if _, err := f.Write(headerJSON); err != nil {
		return err
	}
	for _, blob := range blobs {
		if _, err := f.Write(blob); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}
