// Package sequence implements the length-aware pieces shared by training,
// evaluation and reporting: the per-position weight mask, the truncated
// accuracy metric and the temporally weighted cross-entropy loss.
//
// Batches are laid out as [N, L, ...] where L is the padded length. Padded
// label positions are all-zero vectors, so summing a one-hot label over its
// last axis gives 1 at valid positions and 0 at padding.
package sequence

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// WeightMask returns a fresh [len(lengths)][maxLen] mask with 1 at positions
// j < lengths[i] and 0 elsewhere. Lengths beyond maxLen are clipped.
func WeightMask(lengths []int, maxLen int) [][]float32 {
	mask := make([][]float32, len(lengths))
	for i, n := range lengths {
		row := make([]float32, maxLen)
		n = min(n, maxLen)
		for j := 0; j < n; j++ {
			row[j] = 1
		}
		mask[i] = row
	}
	return mask
}

// WeightMaskTensor is WeightMask as a [N, maxLen] float32 tensor.
func WeightMaskTensor(lengths []int, maxLen int) *tensors.Tensor {
	flat := make([]float32, 0, len(lengths)*maxLen)
	for _, row := range WeightMask(lengths, maxLen) {
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(lengths), maxLen)
}

// validity returns the [N, L] mask implied by one-hot labels shaped [N, L, K].
func validity(yTrue *Node) *Node {
	return ReduceSum(yTrue, -1)
}

// truncatedAccuracy computes, for each sequence, the fraction of valid
// positions whose predicted argmax matches the true argmax, and averages that
// over the batch. Padded positions never contribute.
func truncatedAccuracy(yTrue, yPred *Node) *Node {
	dtype := yPred.DType()
	mask := ConvertDType(validity(yTrue), dtype)
	predLabels := ArgMax(yPred, -1)
	trueLabels := ArgMax(yTrue, -1)
	isSame := ConvertDType(Equal(trueLabels, predLabels), dtype)
	numSame := ReduceSum(Mul(isSame, mask), 1)
	lengths := ReduceSum(mask, 1)
	return ReduceAllMean(Div(numSame, lengths))
}

// TruncatedAccuracyGraph implements metrics.BaseMetricGraph. labels[0] holds
// the one-hot labels; any further labels (e.g. the weight mask) are ignored.
func TruncatedAccuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	yTrue, yPred := labels[0], predictions[0]
	if !yTrue.Shape().Equal(yPred.Shape()) {
		exceptions.Panicf("truncated accuracy: labels %s and predictions %s must have the same shape",
			yTrue.Shape(), yPred.Shape())
	}
	if yTrue.Rank() != 3 {
		exceptions.Panicf("truncated accuracy: expected [batch, length, labels], got %s", yTrue.Shape())
	}
	return truncatedAccuracy(yTrue, yPred)
}

// NewTruncatedAccuracy returns a mean metric over sequences. Each call returns
// a new instance with its own accumulator state.
func NewTruncatedAccuracy(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, TruncatedAccuracyGraph, nil)
}

// TruncatedAccuracy evaluates the metric once, outside of any training loop.
// yTrue and yPred are [N][L][K]; neither is modified.
func TruncatedAccuracy(backend backends.Backend, yTrue, yPred [][][]float32) (float64, error) {
	if len(yTrue) == 0 {
		return 0, errors.New("truncated accuracy: empty batch")
	}
	if len(yTrue) != len(yPred) {
		return 0, errors.Errorf("truncated accuracy: %d label sequences but %d predictions", len(yTrue), len(yPred))
	}
	var acc float64
	err := exceptions.TryCatch[error](func() {
		trueT := tensors.FromValue(yTrue)
		predT := tensors.FromValue(yPred)
		defer trueT.FinalizeAll()
		defer predT.FinalizeAll()
		res, err := ExecOnce(backend, func(yTrue, yPred *Node) *Node {
			return TruncatedAccuracyGraph(nil, []*Node{yTrue}, []*Node{yPred})
		}, trueT, predT)
		if err != nil {
			panic(err)
		}
		acc = float64(tensors.ToScalar[float32](res))
		res.FinalizeAll()
	})
	if err != nil {
		return 0, errors.WithMessage(err, "truncated accuracy")
	}
	return acc, nil
}

// TemporalCrossEntropy is a losses.LossFn for per-position classification.
// labels[0] is the one-hot [N, L, K] target and labels[1], when present, the
// [N, L] weight mask. Each position's cross-entropy is scaled by its weight
// and the result averaged over positions with non-zero weight. Without
// labels[1] the weights are taken from the one-hot labels themselves.
func TemporalCrossEntropy(labels, predictions []*Node) *Node {
	yTrue := labels[0]
	var weights *Node
	if len(labels) > 1 {
		weights = labels[1]
	} else {
		weights = validity(yTrue)
	}
	if weights.DType() != predictions[0].DType() {
		weights = ConvertDType(weights, predictions[0].DType())
	}
	mask := GreaterThan(weights, ZerosLike(weights))
	return losses.CategoricalCrossEntropy([]*Node{yTrue, weights, mask}, predictions)
}

// Labels converts one-hot labels [N][L][K] to label indices per valid
// position, using the same argmax rule as the metric. Padded positions get -1.
func Labels(y [][][]float32) [][]int {
	out := make([][]int, len(y))
	for i, seq := range y {
		row := make([]int, len(seq))
		for j, v := range seq {
			row[j] = -1
			var sum float32
			for _, x := range v {
				sum += x
			}
			if sum == 0 {
				continue
			}
			row[j] = BestLabel(v)
		}
		out[i] = row
	}
	return out
}

// BestLabel returns the index of the first maximum of v, or -1 if v is empty.
func BestLabel(v []float32) int {
	best := -1
	for k, x := range v {
		if best < 0 || x > v[best] {
			best = k
		}
	}
	return best
}
