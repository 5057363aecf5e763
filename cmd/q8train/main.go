// Command q8train trains the bidirectional LSTM Q8 predictor on CSV protein
// data, reports validation loss and accuracy, writes per-sequence predictions
// for a test set and renders the training plots.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends/simplego"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/q8predict/config"
	"github.com/Noofbiz/q8predict/datasets"
	"github.com/Noofbiz/q8predict/predictor"
	"github.com/Noofbiz/q8predict/report"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	configPath := flag.String("config", "", "path to JSON configuration (predictor + tunables.training blocks). Flags override it")
	trainPattern := flag.String("train", "data/train", "CSV file, glob pattern or directory with id,sequence,q8 columns")
	testPattern := flag.String("test", "", "CSV file, glob pattern or directory to predict (q8 column optional). Empty skips prediction")
	valFrac := flag.Float64("val-frac", 0.1, "fraction of the training data held out for validation (0 disables validation)")
	epochs := flag.Int("epochs", config.DefaultEpochs, "number of training epochs (overrides JSON if provided)")
	batchSize := flag.Int("batch-size", config.DefaultBatchSize, "training batch size (overrides JSON if provided)")
	optimizer := flag.String("optimizer", config.DefaultOptimizer, "optimizer: 'adagrad' or any gomlx optimizer name, e.g. 'adam', 'sgd'")
	learningRate := flag.Float64("learning-rate", config.DefaultLearningRate, "learning rate (overrides JSON if provided)")
	seed := flag.Int64("seed", 0, "random seed for initialization and the validation split (0 = time based)")
	printConfusion := flag.Bool("confusion", false, "log the validation confusion matrix after every epoch")
	verbose := flag.Bool("verbose", false, "show a progress bar while predicting")
	outDir := flag.String("out", "output", "output directory for predictions.csv")
	plotDir := flag.String("plots", "plots", "output directory for generated plots (empty disables plotting)")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			klog.Fatalf("failed to load config %s: %v", *configPath, err)
		}
		klog.Infof("Loaded configuration from %s", *configPath)
	}

	// Only flags given on the command line override the JSON values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "epochs":
			cfg.Epochs = *epochs
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "optimizer":
			cfg.Optimizer = *optimizer
		case "learning-rate":
			cfg.LearningRate = *learningRate
		case "seed":
			cfg.Seed = *seed
		case "confusion":
			cfg.PrintConfusion = *printConfusion
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("invalid configuration: %v", err)
	}

	if *printEffectiveConfig {
		data, err := cfg.MarshalIndent()
		if err != nil {
			klog.Fatalf("%v", err)
		}
		fmt.Printf("Effective configuration:\n%s\n", data)
		fmt.Printf("Run settings:\n")
		fmt.Printf("  train: %s\n", *trainPattern)
		fmt.Printf("  test: %s\n", *testPattern)
		fmt.Printf("  val_frac: %f\n", *valFrac)
		fmt.Printf("  out: %s\n", *outDir)
		fmt.Printf("  plots: %s\n", *plotDir)
		os.Exit(0)
	}

	all, err := datasets.Load(*trainPattern, cfg)
	if err != nil {
		klog.Fatalf("failed to load training data: %v", err)
	}
	klog.Infof("Training data loaded from %s: %s sequences, %s residues",
		*trainPattern, humanize.Comma(int64(all.Len())), humanize.Comma(int64(all.Residues())))

	trainSet, valSet := all, (*datasets.Batch)(nil)
	if *valFrac > 0 {
		if trainSet, valSet, err = all.Split(*valFrac, cfg.Seed); err != nil {
			klog.Fatalf("failed to split validation data: %v", err)
		}
		klog.Infof("Holding out %d sequences for validation", valSet.Len())
	}

	backend, err := simplego.New("")
	if err != nil {
		klog.Fatalf("failed to create backend: %v", err)
	}
	defer backend.Finalize()

	arch := predictor.BidirectionalLSTM{}
	p, err := predictor.New(backend, cfg, arch)
	if err != nil {
		klog.Fatalf("failed to create model: %v", err)
	}

	var xVal, yVal [][][]float32
	var lenVal []int
	if valSet.Len() > 0 {
		xVal, yVal, lenVal = valSet.Inputs, valSet.Labels, valSet.Lengths
	}
	start := time.Now()
	klog.Infof("Training %s on %d sequences (epochs=%d, batch=%d, optimizer=%s)...",
		arch.Name(), trainSet.Len(), cfg.Epochs, cfg.BatchSize, cfg.Optimizer)
	if err := p.Train(trainSet.Inputs, trainSet.Labels, trainSet.Lengths, xVal, yVal, lenVal, cfg.Epochs, cfg.BatchSize); err != nil {
		klog.Fatalf("training failed: %v", err)
	}
	klog.Infof("Training completed in %v (%s trainable parameters)",
		time.Since(start).Round(time.Millisecond), humanize.Comma(int64(p.NumParameters())))

	if valSet.Len() > 0 {
		loss, acc, err := p.EvaluateLoss(xVal, yVal, lenVal)
		if err != nil {
			klog.Fatalf("evaluation failed: %v", err)
		}
		klog.Infof("Validation: loss %.4f, truncated accuracy %.4f", loss, acc)
	}

	if *testPattern != "" {
		testSet, err := datasets.LoadUnlabeled(*testPattern, cfg)
		if err != nil {
			klog.Fatalf("failed to load test data: %v", err)
		}
		preds, err := p.Predict(testSet.Inputs, testSet.Lengths)
		if err != nil {
			klog.Fatalf("model prediction failed: %v", err)
		}
		outPath := filepath.Join(*outDir, "predictions.csv")
		if err := datasets.WritePredictions(outPath, testSet.IDs, preds); err != nil {
			klog.Fatalf("failed to write predictions: %v", err)
		}
		klog.Infof("Wrote %d predictions to %s", len(preds), outPath)
	}

	if *plotDir == "" {
		return
	}
	if history := p.History(); len(history) > 0 {
		path, err := report.PlotHistory(history, *plotDir)
		if err != nil {
			klog.Fatalf("failed to generate plot: %v", err)
		}
		klog.Infof("Training history plot written to %s", path)
	}
	if m := p.Confusion(); m != nil {
		path, err := report.PlotConfusion(m, *plotDir)
		if err != nil {
			klog.Fatalf("failed to generate plot: %v", err)
		}
		klog.Infof("Confusion matrix plot written to %s", path)
	}
}
