package predictor

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/q8predict/config"
	"github.com/Noofbiz/q8predict/model"
)

func newBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := simplego.New("")
	require.NoError(t, err)
	return backend
}

func tinyConfig() config.Config {
	return config.Config{
		MaxLength:    4,
		InputDim:     2,
		HiddenDim:    3,
		LabelSet:     "AB",
		BatchSize:    2,
		LearningRate: 0.3,
		Seed:         42,
	}.WithDefaults()
}

// tinyBatch returns one sequence per length, with inputs that are never
// all-zero inside the sequence and labels following pattern (0 for 'A', 1 for
// 'B'), repeated.
func tinyBatch(lengths []int, pattern ...int) (x, y [][][]float32) {
	x = make([][][]float32, len(lengths))
	y = make([][][]float32, len(lengths))
	for i, n := range lengths {
		x[i] = make([][]float32, 4)
		y[i] = make([][]float32, 4)
		for j := range x[i] {
			x[i][j] = make([]float32, 2)
			y[i][j] = make([]float32, 2)
			if j < n {
				label := pattern[(i+j)%len(pattern)]
				x[i][j][label] = 1
				x[i][j][1-label] = 0.1 * float32(j+1)
				y[i][j][label] = 1
			}
		}
	}
	return x, y
}

// fixedScores outputs the same per-position scores for every sequence.
type fixedScores [][]float32

func (f fixedScores) Name() string { return "fixed" }
func (f fixedScores) AddLayers(seq *model.Sequential, _ config.Config) {
	seq.Add("scores", func(_ *context.Context, x, mask *graph.Node) (*graph.Node, *graph.Node) {
		scores := graph.ExpandAxes(graph.Const(x.Graph(), [][]float32(f)), 0)
		return graph.BroadcastToDims(scores, x.Shape().Dim(0), len(f), len(f[0])), mask
	})
}

type emptyArchitecture struct{}

func (emptyArchitecture) Name() string                              { return "empty" }
func (emptyArchitecture) AddLayers(*model.Sequential, config.Config) {}

func TestNewRejectsBadInput(t *testing.T) {
	backend := newBackend(t)
	_, err := New(nil, tinyConfig(), BidirectionalLSTM{})
	assert.Error(t, err)
	_, err = New(backend, tinyConfig(), nil)
	assert.Error(t, err)
	_, err = New(backend, tinyConfig(), emptyArchitecture{})
	assert.Error(t, err)

	cfg := tinyConfig()
	cfg.LabelSet = "AA"
	_, err = New(backend, cfg, BidirectionalLSTM{})
	assert.Error(t, err)

	cfg = tinyConfig()
	cfg.Optimizer = "no-such-optimizer"
	_, err = New(backend, cfg, BidirectionalLSTM{})
	assert.Error(t, err)
}

func TestBidirectionalLSTMLayers(t *testing.T) {
	seq := model.NewSequential()
	BidirectionalLSTM{}.AddLayers(seq, tinyConfig())
	assert.Equal(t, []string{"00_masking", "01_bilstm", "02_hidden", "03_output"}, seq.Summary())
	assert.Equal(t, "bidirectional-lstm", BidirectionalLSTM{}.Name())
}

func TestPredictReturnsOneSymbolPerValidPosition(t *testing.T) {
	p, err := New(newBackend(t), tinyConfig(), BidirectionalLSTM{})
	require.NoError(t, err)
	lengths := []int{3, 1, 4}
	x, _ := tinyBatch(lengths, 0, 1)

	got, err := p.Predict(x, lengths)
	require.NoError(t, err)
	require.Len(t, got, len(lengths))
	for i, s := range got {
		assert.Len(t, s, lengths[i])
		assert.Empty(t, strings.Trim(s, "AB"), "sequence %d: %q", i, s)
	}
	assert.Greater(t, p.NumParameters(), 0)

	_, err = p.Predict(x, []int{3, 1})
	assert.Error(t, err)
	_, err = p.Predict(x, []int{3, 1, 5})
	assert.Error(t, err)
}

func TestPredictMapsBestScoreOfValidPositions(t *testing.T) {
	// Position 3 favours B but is padding for every sequence below.
	arch := fixedScores{{0.9, 0.1}, {0.2, 0.8}, {0.7, 0.3}, {0.1, 0.9}}
	p, err := New(newBackend(t), tinyConfig(), arch)
	require.NoError(t, err)
	lengths := []int{3, 2, 3}
	x, _ := tinyBatch(lengths, 0)

	got, err := p.Predict(x, lengths)
	require.NoError(t, err)
	assert.Equal(t, []string{"ABA", "AB", "ABA"}, got)

	got, err = p.Predict(x[:1], []int{4})
	require.NoError(t, err)
	assert.Equal(t, []string{"ABAB"}, got)
}

func TestForwardIsDistribution(t *testing.T) {
	p, err := New(newBackend(t), tinyConfig(), BidirectionalLSTM{})
	require.NoError(t, err)
	x, _ := tinyBatch([]int{2, 4, 3}, 1)
	scores, err := p.Forward(x)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	for _, seq := range scores {
		require.Len(t, seq, 4)
		for _, dist := range seq {
			require.Len(t, dist, 2)
			assert.InDelta(t, 1.0, dist[0]+dist[1], 1e-5)
		}
	}

	_, err = p.Forward(nil)
	assert.Error(t, err)
	_, err = p.Forward([][][]float32{{{1, 0}}})
	assert.Error(t, err, "wrong padded length")
}

func TestEvaluateLoss(t *testing.T) {
	p, err := New(newBackend(t), tinyConfig(), BidirectionalLSTM{})
	require.NoError(t, err)
	lengths := []int{3, 2, 4}
	x, y := tinyBatch(lengths, 0, 1)

	loss, acc, err := p.EvaluateLoss(x, y, lengths)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.Greater(t, loss, 0.0)
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)

	_, _, err = p.EvaluateLoss(x, y[:2], lengths)
	assert.Error(t, err)
}

func trainableValues(p *Predictor) map[string]any {
	values := make(map[string]any)
	for v := range p.ctx.IterVariables() {
		if v.Trainable {
			values[v.ScopeAndName()] = v.Value().Value()
		}
	}
	return values
}

func TestTrainZeroEpochsLeavesParameters(t *testing.T) {
	p, err := New(newBackend(t), tinyConfig(), BidirectionalLSTM{})
	require.NoError(t, err)
	lengths := []int{3, 4}
	x, y := tinyBatch(lengths, 0, 1)

	_, err = p.Forward(x)
	require.NoError(t, err)
	before := trainableValues(p)
	require.NotEmpty(t, before)

	require.NoError(t, p.Train(x, y, lengths, x, y, lengths, 0, 50))
	assert.Equal(t, before, trainableValues(p))
	assert.Empty(t, p.History())
}

func TestTrainLearnsConstantLabel(t *testing.T) {
	p, err := New(newBackend(t), tinyConfig(), BidirectionalLSTM{})
	require.NoError(t, err)
	lengths := []int{3, 4, 2, 4}
	x, y := tinyBatch(lengths, 1)
	valLengths := []int{4, 1}
	xVal, yVal := tinyBatch(valLengths, 1)

	const epochs = 15
	require.NoError(t, p.Train(x, y, lengths, xVal, yVal, valLengths, epochs, 300))
	history := p.History()
	require.Len(t, history, epochs)
	for i, stats := range history {
		assert.Equal(t, i+1, stats.Epoch)
		assert.False(t, math.IsNaN(stats.ValLoss))
	}
	assert.Less(t, history[epochs-1].TrainLoss, history[0].TrainLoss)
	assert.Less(t, history[epochs-1].ValLoss, history[0].ValLoss)
	assert.Nil(t, p.Confusion(), "reporting is disabled")

	got, err := p.Predict(xVal, valLengths)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBBB", "B"}, got)

	// A second call keeps counting epochs.
	require.NoError(t, p.Train(x, y, lengths, nil, nil, nil, 1, 0))
	history = p.History()
	require.Len(t, history, epochs+1)
	assert.Equal(t, epochs+1, history[epochs].Epoch)
	assert.True(t, math.IsNaN(history[epochs].ValLoss))
}

func TestTrainReportsConfusion(t *testing.T) {
	cfg := tinyConfig()
	cfg.PrintConfusion = true
	cfg.Optimizer = "adam"
	cfg.LearningRate = 0.01
	p, err := New(newBackend(t), cfg, BidirectionalLSTM{})
	require.NoError(t, err)
	lengths := []int{3, 4, 2}
	x, y := tinyBatch(lengths, 0, 1)

	require.NoError(t, p.Train(x, y, lengths, x, y, lengths, 2, 0))
	assert.Len(t, p.History(), 2)
	m := p.Confusion()
	require.NotNil(t, m)
	assert.Equal(t, 3+4+2, m.Total())
	assert.Equal(t, "AB", m.Labels())

	// An epoch without validation data reports nothing, and the previous
	// epoch's matrix is not carried over.
	require.NoError(t, p.Train(x, y, lengths, nil, nil, nil, 1, 0))
	assert.Nil(t, p.Confusion())
}

func TestTrainRejectsMismatchedBatches(t *testing.T) {
	p, err := New(newBackend(t), tinyConfig(), BidirectionalLSTM{})
	require.NoError(t, err)
	lengths := []int{3, 4}
	x, y := tinyBatch(lengths, 0)

	assert.Error(t, p.Train(x, y, lengths[:1], nil, nil, nil, 1, 0))
	assert.Error(t, p.Train(x, y[:1], lengths, nil, nil, nil, 1, 0))
	assert.Error(t, p.Train(x, y, lengths, x, y, lengths[:1], 1, 0))
	assert.Error(t, p.Train([][][]float32{{{1, 0}}}, [][][]float32{{{1, 0}}}, []int{1}, nil, nil, nil, 1, 0))
	assert.Empty(t, p.History())
}
