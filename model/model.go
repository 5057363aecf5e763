// Package model provides a small sequential container for per-position
// sequence models built on gomlx, plus the layers the predictor needs.
//
// Each layer receives the values [batch, seq, features] and the validity mask
// [batch, seq] (Bool) produced by earlier layers, and returns both. The mask
// is nil until a Masking layer is added.
package model

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/gomlx/gopjrt/dtypes"
)

// Layer transforms x given the validity mask of its positions.
type Layer func(ctx *context.Context, x, mask *Node) (*Node, *Node)

// Activation is applied position-wise after a dense projection.
type Activation func(x *Node) *Node

// SoftmaxActivation normalizes over the last axis.
func SoftmaxActivation(x *Node) *Node { return Softmax(x, -1) }

// Sequential is an ordered list of named layers.
type Sequential struct {
	names  []string
	layers []Layer
}

// NewSequential returns an empty container.
func NewSequential() *Sequential {
	return &Sequential{}
}

// Add appends a layer. Names only need to be unique within the container;
// they become the variable scope of the layer.
func (s *Sequential) Add(name string, layer Layer) *Sequential {
	s.names = append(s.names, name)
	s.layers = append(s.layers, layer)
	return s
}

// Len returns the number of layers.
func (s *Sequential) Len() int { return len(s.layers) }

// Summary lists the layer scopes in order.
func (s *Sequential) Summary() []string {
	out := make([]string, len(s.names))
	for i, name := range s.names {
		out[i] = scopeName(i, name)
	}
	return out
}

func scopeName(i int, name string) string {
	return fmt.Sprintf("%02d_%s", i, name)
}

// Build applies every layer to x and returns the output of the last one.
// Variables are created on first use and reused afterwards, so the same
// container can back several executors sharing one context.
func (s *Sequential) Build(ctx *context.Context, x *Node) *Node {
	ctx = ctx.Checked(false)
	var mask *Node
	for i, layer := range s.layers {
		x, mask = layer(ctx.In(scopeName(i, s.names[i])), x, mask)
	}
	return x
}

// Masking marks a position as valid when any of its features is non-zero.
// An all-zero feature vector is the padding sentinel.
func Masking() Layer {
	return func(_ *context.Context, x, _ *Node) (*Node, *Node) {
		return x, NonZeroMask(x)
	}
}

// NonZeroMask returns a [batch, seq] Bool mask, true where x[b, s, :] has a
// non-zero entry.
func NonZeroMask(x *Node) *Node {
	g := x.Graph()
	return GreaterThan(ReduceMax(Abs(x), -1), ScalarZero(g, x.DType()))
}

// SequenceLengths counts the valid positions of each row of a [batch, seq]
// Bool mask, as Int32.
func SequenceLengths(mask *Node) *Node {
	return ReduceSum(ConvertDType(mask, dtypes.Int32), 1)
}

// BidirectionalLSTM runs a forward and a backward LSTM over the sequence and
// concatenates their hidden states per position, giving [batch, seq, 2*hidden].
// The backward LSTM reads each sequence reversed within its length (see
// ReverseSequences), so with a mask the padding always comes after the valid
// positions in both directions and never reaches them.
func BidirectionalLSTM(hiddenDim int) Layer {
	return func(ctx *context.Context, x, mask *Node) (*Node, *Node) {
		var lengths *Node
		if mask != nil {
			lengths = SequenceLengths(mask)
		}
		forward := unrollLSTM(ctx.In("forward"), x, hiddenDim)
		backward := unrollLSTM(ctx.In("backward"), ReverseSequences(x, lengths), hiddenDim)
		backward = ReverseSequences(backward, lengths)
		return Concatenate([]*Node{forward, backward}, -1), mask
	}
}

// unrollLSTM returns the hidden state of a forward LSTM at every position,
// shaped [batch, seq, hidden].
func unrollLSTM(ctx *context.Context, x *Node, hiddenDim int) *Node {
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	all, _, _ := lstm.New(ctx, x, hiddenDim).Direction(lstm.DirForward).Done() // [seq, 1, batch, hidden]
	all = Reshape(all, seqLen, batchSize, hiddenDim)
	return TransposeAllAxes(all, 1, 0, 2)
}

// ReverseSequences reverses the first lengths[b] positions of every row of
// x ([batch, seq, ...]) and leaves the rest in place. A nil lengths reverses
// whole rows. Applying it twice gives back x.
func ReverseSequences(x, lengths *Node) *Node {
	g := x.Graph()
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	positionsShape := shapes.Make(dtypes.Int32, batchSize, seqLen)
	pos := Iota(g, positionsShape, 1)
	var lens *Node
	if lengths == nil {
		lens = BroadcastToDims(Const(g, int32(seqLen)), batchSize, seqLen)
	} else {
		lens = BroadcastToDims(ExpandAxes(ConvertDType(lengths, dtypes.Int32), -1), batchSize, seqLen)
	}
	mirrored := Sub(Sub(lens, OnesLike(lens)), pos)
	src := Where(LessThan(pos, lens), mirrored, pos)
	indices := Stack([]*Node{Iota(g, positionsShape, 0), src}, -1) // [batch, seq, 2]
	return Gather(x, indices)
}

// TimeDistributedDense applies the same dense projection (with bias) to every
// position, followed by activation when not nil.
func TimeDistributedDense(dim int, activation Activation) Layer {
	return func(ctx *context.Context, x, mask *Node) (*Node, *Node) {
		x = layers.DenseWithBias(ctx, x, dim)
		if activation != nil {
			x = activation(x)
		}
		return x, mask
	}
}
