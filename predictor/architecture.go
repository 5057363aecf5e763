package predictor

import (
	"github.com/Noofbiz/q8predict/config"
	"github.com/Noofbiz/q8predict/model"
)

// Architecture appends the layers of a network to an empty container. New
// calls AddLayers exactly once.
type Architecture interface {
	Name() string
	AddLayers(seq *model.Sequential, cfg config.Config)
}

// BidirectionalLSTM is the baseline network: masked input, one bidirectional
// LSTM, a linear projection to the hidden size and a softmax over the labels
// at every position.
type BidirectionalLSTM struct{}

// Name implements Architecture.
func (BidirectionalLSTM) Name() string { return "bidirectional-lstm" }

// AddLayers implements Architecture.
func (BidirectionalLSTM) AddLayers(seq *model.Sequential, cfg config.Config) {
	seq.Add("masking", model.Masking()).
		Add("bilstm", model.BidirectionalLSTM(cfg.HiddenDim)).
		Add("hidden", model.TimeDistributedDense(cfg.HiddenDim, nil)).
		Add("output", model.TimeDistributedDense(cfg.OutputDim, model.SoftmaxActivation))
}
