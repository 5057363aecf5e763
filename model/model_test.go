package model

import (
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyNetwork(hidden, labels int) *Sequential {
	return NewSequential().
		Add("masking", Masking()).
		Add("bilstm", BidirectionalLSTM(hidden)).
		Add("hidden", TimeDistributedDense(hidden, nil)).
		Add("output", TimeDistributedDense(labels, SoftmaxActivation))
}

// padded returns a [1, seqLen, 2] input whose first n positions are non-zero.
func padded(n, seqLen int) [][][]float32 {
	x := make([][]float32, seqLen)
	for i := range x {
		x[i] = make([]float32, 2)
		if i < n {
			x[i][0] = 0.1 * float32(i+1)
			x[i][1] = 1 - 0.2*float32(i)
		}
	}
	return [][][]float32{x}
}

func TestSummary(t *testing.T) {
	seq := tinyNetwork(4, 3)
	assert.Equal(t, 4, seq.Len())
	assert.Equal(t, []string{"00_masking", "01_bilstm", "02_hidden", "03_output"}, seq.Summary())
}

func TestSequentialOutputIsDistribution(t *testing.T) {
	backend, err := simplego.New("")
	require.NoError(t, err)
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	seq := tinyNetwork(4, 3)

	x := [][][]float32{padded(3, 5)[0], padded(5, 5)[0]}
	out, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return seq.Build(ctx, x)
	}, x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 3}, out.Shape().Dimensions)

	probs := out.Value().([][][]float32)
	for b := range probs {
		for s := range probs[b] {
			var sum float32
			for _, p := range probs[b][s] {
				assert.GreaterOrEqual(t, p, float32(0))
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-5)
		}
	}
	assert.Greater(t, ctx.NumParameters(), 0)
}

func TestPaddingDoesNotLeakIntoValidPositions(t *testing.T) {
	backend, err := simplego.New("")
	require.NoError(t, err)
	ctx := context.New()
	ctx.RngStateFromSeed(7)
	seq := tinyNetwork(3, 2)

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return seq.Build(ctx, x)
	})
	require.NoError(t, err)

	short, err := exec.Exec(padded(3, 3))
	require.NoError(t, err)
	long, err := exec.Exec(padded(3, 6))
	require.NoError(t, err)

	a := short[0].Value().([][][]float32)
	b := long[0].Value().([][][]float32)
	for s := 0; s < 3; s++ {
		for k := range a[0][s] {
			assert.InDelta(t, a[0][s][k], b[0][s][k], 1e-5, "position %d label %d", s, k)
		}
	}
}

func TestNonZeroMaskAndLengths(t *testing.T) {
	backend, err := simplego.New("")
	require.NoError(t, err)
	x := [][][]float32{
		{{1, 0}, {0, -2}, {0, 0}, {0, 0}},
		{{0.5, 0.5}, {0, 0}, {0, 0}, {0, 0}},
	}
	exec, err := graph.NewExec(backend, func(x *graph.Node) (*graph.Node, *graph.Node) {
		mask := NonZeroMask(x)
		return mask, SequenceLengths(mask)
	})
	require.NoError(t, err)
	defer exec.Finalize()
	outputs, err := exec.Exec(tensors.FromValue(x))
	require.NoError(t, err)
	assert.Equal(t, [][]bool{{true, true, false, false}, {true, false, false, false}}, outputs[0].Value())
	assert.Equal(t, []int32{2, 1}, outputs[1].Value())
}

func TestReverseSequences(t *testing.T) {
	backend, err := simplego.New("")
	require.NoError(t, err)
	x := [][][]float32{
		{{1}, {2}, {3}, {0}},
		{{4}, {0}, {0}, {0}},
	}
	exec, err := graph.NewExec(backend, func(x *graph.Node) (*graph.Node, *graph.Node, *graph.Node) {
		lengths := SequenceLengths(NonZeroMask(x))
		reversed := ReverseSequences(x, lengths)
		return reversed, ReverseSequences(reversed, lengths), ReverseSequences(x, nil)
	})
	require.NoError(t, err)
	defer exec.Finalize()
	outputs, err := exec.Exec(tensors.FromValue(x))
	require.NoError(t, err)
	assert.Equal(t, [][][]float32{
		{{3}, {2}, {1}, {0}},
		{{4}, {0}, {0}, {0}},
	}, outputs[0].Value())
	assert.Equal(t, x, outputs[1].Value())
	assert.Equal(t, [][][]float32{
		{{0}, {3}, {2}, {1}},
		{{0}, {0}, {0}, {4}},
	}, outputs[2].Value())
}

func TestPaddingDoesNotLeakInMixedBatch(t *testing.T) {
	backend, err := simplego.New("")
	require.NoError(t, err)
	ctx := context.New()
	ctx.RngStateFromSeed(11)
	seq := tinyNetwork(3, 2)

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		return seq.Build(ctx, x)
	})
	require.NoError(t, err)

	alone, err := exec.Exec(padded(2, 4))
	require.NoError(t, err)
	mixed, err := exec.Exec([][][]float32{padded(2, 4)[0], padded(4, 4)[0]})
	require.NoError(t, err)

	a := alone[0].Value().([][][]float32)
	b := mixed[0].Value().([][][]float32)
	for s := 0; s < 2; s++ {
		for k := range a[0][s] {
			assert.InDelta(t, a[0][s][k], b[0][s][k], 1e-5, "position %d label %d", s, k)
		}
	}
}
