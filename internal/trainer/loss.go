package trainer

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
)

// lossEpsilon floors the valid-token count so fully masked sequences divide
// by something finite instead of producing NaN.
const lossEpsilon = 1e-10

// crossEntropyLossAndAccuracy computes masked next-token cross-entropy loss
// and token-level accuracy. A nil mask counts every position. Logits are
// evaluated in float32 regardless of their input precision.
func crossEntropyLossAndAccuracy(logits, tokens, mask *tensor.Dense) (float32, float32, error) {
	loss, acc, _, err := lossAccuracyGrad(logits, tokens, mask, false)
	return loss, acc, err
}

// lossAccuracyGrad additionally returns d(loss)/d(logits) when wantGrad is
// set. The gradient of the masked mean cross-entropy is softmax minus the
// one-hot target, scaled per sequence by its valid-token count and the batch
// size; masked-out positions get zero gradient.
func lossAccuracyGrad(logits, tokens, mask *tensor.Dense, wantGrad bool) (float32, float32, *tensor.Dense, error) {
	lshape := logits.Shape()
	if len(lshape) != 3 {
		return 0, 0, nil, fmt.Errorf("trainer: logits must be (batch, seq, vocab), got shape %v", lshape)
	}
	nb, nt, nv := lshape[0], lshape[1], lshape[2]

	lvals, err := float32Values(logits)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("trainer: logits: %w", err)
	}
	tshape := tokens.Shape()
	if len(tshape) != 2 || tshape[0] != nb || tshape[1] != nt {
		return 0, 0, nil, fmt.Errorf("trainer: tokens shape %v does not match logits shape %v", tshape, lshape)
	}
	tvals, err := int32Values(tokens)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("trainer: tokens: %w", err)
	}
	mvals, err := maskValues(mask, nb, nt)
	if err != nil {
		return 0, 0, nil, err
	}

	var grad []float32
	if wantGrad {
		grad = make([]float32, nb*nt*nv)
	}

	var lossSum, accSum float64
	for b := 0; b < nb; b++ {
		var valid float64
		for t := 0; t < nt; t++ {
			valid += float64(mvals[b*nt+t])
		}
		denom := math.Max(valid, lossEpsilon)

		var seqLogProb, seqCorrect float64
		for t := 0; t < nt; t++ {
			m := float64(mvals[b*nt+t])
			if m <= 0 {
				continue
			}
			row := lvals[(b*nt+t)*nv : (b*nt+t+1)*nv]
			target := int(tvals[b*nt+t])
			if target < 0 || target >= nv {
				return 0, 0, nil, fmt.Errorf("trainer: target token %d outside vocabulary of %d", target, nv)
			}

			maxLogit := row[0]
			argmax := 0
			for v := 1; v < nv; v++ {
				if row[v] > maxLogit {
					maxLogit = row[v]
					argmax = v
				}
			}
			var sumExp float64
			for v := 0; v < nv; v++ {
				sumExp += math.Exp(float64(row[v] - maxLogit))
			}
			logZ := float64(maxLogit) + math.Log(sumExp)

			seqLogProb += float64(row[target]) - logZ
			if argmax == target {
				seqCorrect++
			}

			if grad != nil {
				scale := m / (denom * float64(nb))
				for v := 0; v < nv; v++ {
					g := math.Exp(float64(row[v])-logZ) * scale
					if v == target {
						g -= scale
					}
					grad[(b*nt+t)*nv+v] = float32(g)
				}
			}
		}
		lossSum += seqLogProb / denom
		accSum += seqCorrect / denom
	}

	loss := float32(-lossSum / float64(nb))
	accuracy := float32(accSum / float64(nb))
	if grad == nil {
		return loss, accuracy, nil, nil
	}
	return loss, accuracy, tensor.New(tensor.WithShape(nb, nt, nv), tensor.WithBacking(grad)), nil
}

func float32Values(v *tensor.Dense) ([]float32, error) {
	switch data := v.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		out := make([]float32, len(data))
		for i, x := range data {
			out[i] = float32(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported backing %T", data)
	}
}

func int32Values(v *tensor.Dense) ([]int32, error) {
	switch data := v.Data().(type) {
	case []int32:
		return data, nil
	case []int:
		out := make([]int32, len(data))
		for i, x := range data {
			out[i] = int32(x)
		}
		return out, nil
	case []int64:
		out := make([]int32, len(data))
		for i, x := range data {
			out[i] = int32(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported backing %T", data)
	}
}

// maskValues flattens an optional (batch, seq) mask to float32 weights; a
// nil mask counts every position.
func maskValues(mask *tensor.Dense, nb, nt int) ([]float32, error) {
	if mask == nil {
		out := make([]float32, nb*nt)
		for i := range out {
			out[i] = 1
		}
		return out, nil
	}
	shape := mask.Shape()
	if len(shape) != 2 || shape[0] != nb || shape[1] != nt {
		return nil, fmt.Errorf("trainer: mask shape %v does not match (%d, %d)", shape, nb, nt)
	}
	switch data := mask.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		out := make([]float32, len(data))
		for i, x := range data {
			out[i] = float32(x)
		}
		return out, nil
	case []int32:
		out := make([]float32, len(data))
		for i, x := range data {
			out[i] = float32(x)
		}
		return out, nil
	case []bool:
		out := make([]float32, len(data))
		for i, x := range data {
			if x {
				out[i] = 1
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("trainer: unsupported mask backing %T", data)
	}
}
