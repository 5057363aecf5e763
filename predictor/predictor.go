// Package predictor trains and runs per-residue label models over padded
// protein sequence batches.
//
// A Predictor owns one gomlx context holding every parameter of its network.
// Train mutates it; EvaluateLoss, Predict and Forward only read it. A
// Predictor is not safe for concurrent use.
package predictor

import (
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/q8predict/adagrad"
	"github.com/Noofbiz/q8predict/config"
	"github.com/Noofbiz/q8predict/confusion"
	"github.com/Noofbiz/q8predict/model"
	"github.com/Noofbiz/q8predict/sequence"
)

// EpochStats summarizes one training epoch. Validation fields are NaN when
// Train was given no validation data.
type EpochStats struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValLoss       float64
	ValAccuracy   float64
	Duration      time.Duration
}

// Predictor assigns a label to every valid position of a sequence.
type Predictor struct {
	backend   backends.Backend
	cfg       config.Config
	arch      Architecture
	batchSize int

	seq      *model.Sequential
	ctx      *context.Context
	trainer  *train.Trainer
	forward  *context.Exec
	reporter *confusion.Reporter

	history    []EpochStats
	lastMatrix *confusion.Matrix
	summarized bool
}

// New builds the network described by arch and fixes the optimizer, loss,
// metric and batch size for the lifetime of the Predictor. Zero fields of
// cfg take their defaults.
func New(backend backends.Backend, cfg config.Config, arch Architecture) (*Predictor, error) {
	if backend == nil {
		return nil, errors.New("predictor: nil backend")
	}
	if arch == nil {
		return nil, errors.New("predictor: nil architecture")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "predictor")
	}
	p := &Predictor{
		backend:   backend,
		cfg:       cfg,
		arch:      arch,
		batchSize: cfg.BatchSize,
		seq:       model.NewSequential(),
		reporter:  confusion.NewReporter(cfg.PrintConfusion, cfg.LabelSet),
	}
	arch.AddLayers(p.seq, cfg)
	if p.seq.Len() == 0 {
		return nil, errors.Errorf("predictor: architecture %q added no layers", arch.Name())
	}

	err := exceptions.TryCatch[error](func() {
		p.ctx = context.New()
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		p.ctx.RngStateFromSeed(seed)
		p.ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)

		p.trainer = train.NewTrainer(backend, p.ctx, p.modelGraph, sequence.TemporalCrossEntropy,
			newOptimizer(p.ctx, cfg.Optimizer),
			[]metrics.Interface{sequence.NewTruncatedAccuracy("Truncated Accuracy", "acc")},
			[]metrics.Interface{sequence.NewTruncatedAccuracy("Mean Truncated Accuracy", "#acc")})
		p.forward = context.MustNewExec(backend, p.ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
			return p.seq.Build(ctx, x)
		}).WithName("Forward")
	})
	if err != nil {
		return nil, errors.WithMessage(err, "predictor: compile model")
	}
	klog.V(1).Infof("predictor %s: optimizer %s, batch size %d, layers %v",
		arch.Name(), cfg.Optimizer, p.batchSize, p.seq.Summary())
	return p, nil
}

func newOptimizer(ctx *context.Context, name string) optimizers.Interface {
	if name == config.DefaultOptimizer {
		return adagrad.New().FromContext(ctx).Done()
	}
	return optimizers.ByName(ctx, name)
}

func (p *Predictor) modelGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{p.seq.Build(ctx, inputs[0])}
}

// Config returns the effective configuration, defaults filled in.
func (p *Predictor) Config() config.Config { return p.cfg }

// History returns the stats of every epoch trained so far.
func (p *Predictor) History() []EpochStats {
	return append([]EpochStats(nil), p.history...)
}

// Confusion returns the matrix reported for the last epoch, or nil when that
// epoch reported none.
func (p *Predictor) Confusion() *confusion.Matrix { return p.lastMatrix }

// NumParameters counts the trainable scalars. It is 0 until the network has
// been run once.
func (p *Predictor) NumParameters() int {
	var n int
	for v := range p.ctx.IterVariables() {
		if v.Trainable {
			n += v.Shape().Size()
		}
	}
	return n
}

func (p *Predictor) logSummary() {
	if p.summarized {
		return
	}
	p.summarized = true
	klog.Infof("model %s: %s trainable parameters, %s in variables",
		p.arch.Name(), humanize.Comma(int64(p.NumParameters())), humanize.Bytes(uint64(p.ctx.Memory())))
	for _, name := range p.seq.Summary() {
		klog.Infof("  layer %s", name)
	}
}

// checkBatch reports count and shape mismatches between the parts of a batch.
func (p *Predictor) checkBatch(name string, x, y [][][]float32, lengths []int) error {
	if len(x) == 0 {
		return errors.Errorf("%s: no sequences", name)
	}
	if y != nil && len(y) != len(x) {
		return errors.Errorf("%s: %d input sequences but %d label sequences", name, len(x), len(y))
	}
	if len(lengths) != len(x) {
		return errors.Errorf("%s: %d input sequences but %d lengths", name, len(x), len(lengths))
	}
	if len(x[0]) != p.cfg.MaxLength {
		return errors.Errorf("%s: sequences are padded to %d positions, max_length is %d", name, len(x[0]), p.cfg.MaxLength)
	}
	return nil
}

// dataset wraps a batch and its weight mask for the trainer. Labels are the
// one-hot targets followed by the mask.
func (p *Predictor) dataset(name string, x, y [][][]float32, lengths []int) (*datasets.InMemoryDataset, error) {
	mask := sequence.WeightMask(lengths, p.cfg.MaxLength)
	ds, err := datasets.InMemoryFromData(p.backend, name, []any{x}, []any{y, mask})
	if err != nil {
		return nil, errors.Wrapf(err, "%s dataset", name)
	}
	return ds.BatchSize(p.batchSize, false), nil
}

// Train runs epochs passes over the training set in shuffled mini-batches,
// then evaluates the validation set and reports the confusion matrix after
// each one. batchSize is ignored: the Predictor's own batch size is used.
func (p *Predictor) Train(xTrain, yTrain [][][]float32, lenTrain []int,
	xVal, yVal [][][]float32, lenVal []int, epochs, batchSize int) error {
	if epochs <= 0 {
		return nil
	}
	if err := p.checkBatch("training", xTrain, yTrain, lenTrain); err != nil {
		return err
	}
	validate := len(xVal) > 0
	if validate {
		if err := p.checkBatch("validation", xVal, yVal, lenVal); err != nil {
			return err
		}
	}
	if batchSize > 0 && batchSize != p.batchSize {
		klog.V(1).Infof("train: batch size %d requested, using the predictor's %d", batchSize, p.batchSize)
	}

	trainDS, err := p.dataset("training", xTrain, yTrain, lenTrain)
	if err != nil {
		return err
	}
	defer trainDS.FinalizeAll()
	trainDS.Shuffle()
	var valDS *datasets.InMemoryDataset
	if validate {
		if valDS, err = p.dataset("validation", xVal, yVal, lenVal); err != nil {
			return err
		}
		defer valDS.FinalizeAll()
	}

	for i := 0; i < epochs; i++ {
		stats := EpochStats{Epoch: len(p.history) + 1, ValLoss: math.NaN(), ValAccuracy: math.NaN()}
		start := time.Now()
		err := exceptions.TryCatch[error](func() {
			stats.TrainLoss, stats.TrainAccuracy = p.trainEpoch(trainDS)
			if validate {
				stats.ValLoss, stats.ValAccuracy = p.evaluate(valDS)
			}
		})
		if err != nil {
			return errors.WithMessagef(err, "train epoch %d", stats.Epoch)
		}
		stats.Duration = time.Since(start)
		p.logSummary()
		klog.Infof("epoch %d/%d (%s): loss %.4f, acc %.4f, val_loss %.4f, val_acc %.4f",
			i+1, epochs, stats.Duration.Round(time.Millisecond),
			stats.TrainLoss, stats.TrainAccuracy, stats.ValLoss, stats.ValAccuracy)
		p.history = append(p.history, stats)
		p.lastMatrix = p.reporter.Report(stats.Epoch, p.Forward, xVal, yVal, lenVal)
	}
	return nil
}

// trainEpoch takes one optimizer step per mini-batch and returns the mean
// batch loss (weighted by batch size) and the epoch's truncated accuracy.
func (p *Predictor) trainEpoch(ds *datasets.InMemoryDataset) (loss, acc float64) {
	ds.Reset()
	if err := p.trainer.ResetTrainMetrics(); err != nil {
		panic(err)
	}
	var (
		sum     float64
		count   int
		results []*tensors.Tensor
	)
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			panic(errors.Wrap(err, "training dataset"))
		}
		finalize(results)
		n := inputs[0].Shape().Dim(0)
		results = p.trainer.TrainStep(spec, inputs, labels)
		batchLoss := scalar(results[0])
		sum += batchLoss * float64(n)
		count += n
		klog.V(2).Infof("step %d: batch of %d, loss %.4f", p.trainer.GlobalStep(), n, batchLoss)
		finalize(inputs)
		finalize(labels)
	}
	if count == 0 {
		exceptions.Panicf("training dataset yielded no batches")
	}
	acc = scalar(results[len(results)-1])
	finalize(results)
	return sum / float64(count), acc
}

// evaluate returns the mean loss and truncated accuracy over ds.
func (p *Predictor) evaluate(ds *datasets.InMemoryDataset) (loss, acc float64) {
	results := p.trainer.Eval(ds)
	defer finalize(results)
	// Eval yields [loss+regularization, loss, eval metrics...].
	return scalar(results[1]), scalar(results[2])
}

// EvaluateLoss returns the weighted cross-entropy and the truncated accuracy
// of the model over a labelled set.
func (p *Predictor) EvaluateLoss(x, y [][][]float32, lengths []int) (loss, acc float64, err error) {
	if err = p.checkBatch("evaluation", x, y, lengths); err != nil {
		return 0, 0, err
	}
	err = exceptions.TryCatch[error](func() {
		ds, dsErr := p.dataset("evaluation", x, y, lengths)
		if dsErr != nil {
			panic(dsErr)
		}
		defer ds.FinalizeAll()
		loss, acc = p.evaluate(ds)
	})
	if err != nil {
		return 0, 0, errors.WithMessage(err, "evaluate")
	}
	return loss, acc, nil
}

// Forward returns the label distribution at every position of x, computed
// in batches of the Predictor's batch size.
func (p *Predictor) Forward(x [][][]float32) ([][][]float32, error) {
	return p.forwardBatches(x, nil)
}

func (p *Predictor) forwardBatches(x [][][]float32, bar *progressbar.ProgressBar) ([][][]float32, error) {
	if len(x) == 0 {
		return nil, errors.New("forward: no sequences")
	}
	if len(x[0]) != p.cfg.MaxLength {
		return nil, errors.Errorf("forward: sequences are padded to %d positions, max_length is %d", len(x[0]), p.cfg.MaxLength)
	}
	out := make([][][]float32, 0, len(x))
	err := exceptions.TryCatch[error](func() {
		for start := 0; start < len(x); start += p.batchSize {
			end := min(start+p.batchSize, len(x))
			results, err := p.forward.Exec(x[start:end])
			if err != nil {
				panic(err)
			}
			out = append(out, results[0].Value().([][][]float32)...)
			finalize(results)
			if bar != nil {
				_ = bar.Add(end - start)
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "forward")
	}
	p.logSummary()
	return out, nil
}

// Predict returns, for every sequence i, the most likely label of each of its
// first lengths[i] positions, spelled with the label alphabet.
func (p *Predictor) Predict(x [][][]float32, lengths []int) ([]string, error) {
	if err := p.checkBatch("predict", x, nil, lengths); err != nil {
		return nil, err
	}
	for i, n := range lengths {
		if n < 0 || n > len(x[i]) {
			return nil, errors.Errorf("predict: sequence %d has length %d, outside [0, %d]", i, n, len(x[i]))
		}
	}
	var bar *progressbar.ProgressBar
	if p.cfg.Verbose {
		bar = progressbar.NewOptions(len(x),
			progressbar.OptionSetDescription("predicting"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount())
		defer func() { _ = bar.Finish() }()
	}
	scores, err := p.forwardBatches(x, bar)
	if err != nil {
		return nil, err
	}

	alphabet := []rune(p.cfg.LabelSet)
	out := make([]string, len(scores))
	for i, seq := range scores {
		var sb strings.Builder
		for j := 0; j < lengths[i]; j++ {
			sb.WriteRune(alphabet[sequence.BestLabel(seq[j])])
		}
		out[i] = sb.String()
	}
	return out, nil
}

func scalar(t *tensors.Tensor) float64 {
	return float64(tensors.ToScalar[float32](t))
}

func finalize(ts []*tensors.Tensor) {
	for _, t := range ts {
		t.FinalizeAll()
	}
}
