package model

import (
	"fmt"
	"math/rand"

	"github.com/pdevine/tensor"
)

const bigramTable = "wte"

// Bigram is a deterministic next-token table: the logits at position t are
// the table row indexed by the token at t. Small and exactly differentiable,
// it stands in for the production LLM the loader resolves in real runs.
type Bigram struct {
	vocab int
}

// NewBigram builds a bigram model with seeded near-zero initialization.
func NewBigram(vocab int, seed int64) (*Model, *Config) {
	rng := rand.New(rand.NewSource(seed))
	backing := make([]float32, vocab*vocab)
	for i := range backing {
		backing[i] = (rng.Float32()*2 - 1) * 0.01
	}
	params := Params{
		bigramTable: tensor.New(tensor.WithShape(vocab, vocab), tensor.WithBacking(backing)),
	}
	cfg := &Config{
		Architecture: "bigram",
		VocabSize:    vocab,
		HiddenSize:   vocab,
		MaxSeqLen:    2048,
	}
	return Combine(params, &Bigram{vocab: vocab}), cfg
}

func init() {
	Register("bigram", func(string) (*Model, *Config, error) {
		m, cfg := NewBigram(32, 0)
		return m, cfg, nil
	})
}

// Forward gathers the table row for every input token. The attention mask
// and position ids are accepted for interface parity; a bigram has no use
// for either.
func (b *Bigram) Forward(params Params, inputIDs, _, _ *tensor.Dense) (*tensor.Dense, error) {
	table, ids, rows, seq, err := b.operands(params, inputIDs)
	if err != nil {
		return nil, err
	}

	out := make([]float32, rows*seq*b.vocab)
	for i, id := range ids {
		if int(id) < 0 || int(id) >= b.vocab {
			return nil, fmt.Errorf("model: token %d outside vocabulary of %d", id, b.vocab)
		}
		copy(out[i*b.vocab:(i+1)*b.vocab], table[int(id)*b.vocab:(int(id)+1)*b.vocab])
	}
	return tensor.New(tensor.WithShape(rows, seq, b.vocab), tensor.WithBacking(out)), nil
}

// Backward scatters the logits gradient back onto the table rows the forward
// pass gathered.
func (b *Bigram) Backward(params Params, inputIDs, _, _ *tensor.Dense, dlogits *tensor.Dense) (Params, error) {
	_, ids, rows, seq, err := b.operands(params, inputIDs)
	if err != nil {
		return nil, err
	}
	dl, ok := dlogits.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("model: logits gradient is not float32")
	}
	if len(dl) != rows*seq*b.vocab {
		return nil, fmt.Errorf("model: logits gradient has %d values, want %d", len(dl), rows*seq*b.vocab)
	}

	grad := make([]float32, b.vocab*b.vocab)
	for i, id := range ids {
		if int(id) < 0 || int(id) >= b.vocab {
			return nil, fmt.Errorf("model: token %d outside vocabulary of %d", id, b.vocab)
		}
		row := grad[int(id)*b.vocab : (int(id)+1)*b.vocab]
		for j, v := range dl[i*b.vocab : (i+1)*b.vocab] {
			row[j] += v
		}
	}
	return Params{
		bigramTable: tensor.New(tensor.WithShape(b.vocab, b.vocab), tensor.WithBacking(grad)),
	}, nil
}

func (b *Bigram) operands(params Params, inputIDs *tensor.Dense) (table []float32, ids []int32, rows, seq int, err error) {
	wte, ok := params[bigramTable]
	if !ok {
		return nil, nil, 0, 0, fmt.Errorf("model: parameters are missing %q", bigramTable)
	}
	table, ok = wte.Data().([]float32)
	if !ok {
		return nil, nil, 0, 0, fmt.Errorf("model: %q is not float32", bigramTable)
	}
	if len(table) != b.vocab*b.vocab {
		return nil, nil, 0, 0, fmt.Errorf("model: %q has %d values, want %d", bigramTable, len(table), b.vocab*b.vocab)
	}

	shape := inputIDs.Shape()
	if len(shape) != 2 {
		return nil, nil, 0, 0, fmt.Errorf("model: input_ids must be 2-D, got shape %v", shape)
	}
	ids, ok = inputIDs.Data().([]int32)
	if !ok {
		return nil, nil, 0, 0, fmt.Errorf("model: input_ids must be int32, got %T", inputIDs.Data())
	}
	return table, ids, shape[0], shape[1], nil
}
