package model

import "github.com/pdevine/tensor"

// Params holds a model's learnable tensors by name.
type Params map[string]*tensor.Dense

// Clone deep-copies every tensor.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for name, v := range p {
		out[name] = v.Clone().(*tensor.Dense)
	}
	return out
}

// Config is the static architecture description carried through checkpoints
// and export.
type Config struct {
	Architecture string `json:"architecture" cbor:"architecture"`
	VocabSize    int    `json:"vocab_size" cbor:"vocab_size"`
	HiddenSize   int    `json:"hidden_size" cbor:"hidden_size"`
	MaxSeqLen    int    `json:"max_position_embeddings" cbor:"max_position_embeddings"`
}

// Static is the non-learnable structure of a model: everything needed to run
// it once parameters are supplied. Backward propagates the loss gradient with
// respect to the logits back to parameter gradients and must not modify the
// parameters it reads.
type Static interface {
	Forward(params Params, inputIDs, attentionMask, positionIDs *tensor.Dense) (*tensor.Dense, error)
	Backward(params Params, inputIDs, attentionMask, positionIDs, dlogits *tensor.Dense) (Params, error)
}

// Model pairs parameters with their static structure.
type Model struct {
	params Params
	static Static
}

// Combine reassembles a model from a parameter/structure pair.
func Combine(params Params, static Static) *Model {
	return &Model{params: params, static: static}
}

// Partition splits the model into its learnable and static halves.
func (m *Model) Partition() (Params, Static) { return m.params, m.static }

// Params returns the learnable tensors.
func (m *Model) Params() Params { return m.params }

// Forward runs the model on a token batch.
func (m *Model) Forward(inputIDs, attentionMask, positionIDs *tensor.Dense) (*tensor.Dense, error) {
	return m.static.Forward(m.params, inputIDs, attentionMask, positionIDs)
}
