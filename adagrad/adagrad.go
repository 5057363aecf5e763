// Package adagrad implements the Adagrad optimizer for gomlx trainers.
//
// Each trainable variable keeps a running sum of its squared gradients, and
// each step is scaled by the inverse square root of that sum:
//
//	accum += grad²
//	value -= learningRate * grad / (sqrt(accum) + epsilon)
package adagrad

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// DefaultScope holds the accumulators, mirroring the trainable variables' scopes.
	DefaultScope = "AdagradOptimizer"

	// DefaultLearningRate used when neither Config.LearningRate nor the
	// context parameter optimizers.ParamLearningRate is set.
	DefaultLearningRate = 0.01

	// DefaultEpsilon keeps the first steps finite.
	DefaultEpsilon = 1e-7

	// ParamEpsilon is the context parameter read by Config.FromContext.
	ParamEpsilon = "adagrad_epsilon"

	// ParamInitialAccumulator is the context parameter read by Config.FromContext.
	ParamInitialAccumulator = "adagrad_initial_accumulator"
)

// Config builds an Adagrad optimizer. Create it with New.
type Config struct {
	scopeName          string
	dtype              dtypes.DType
	learningRate       float64
	epsilon            float64
	initialAccumulator float64
}

// New returns a Config with default values. The learning rate is read from
// the context at graph building time unless set explicitly.
func New() *Config {
	return &Config{
		scopeName:    DefaultScope,
		learningRate: -1,
		epsilon:      DefaultEpsilon,
	}
}

// FromContext reads the learning rate, epsilon and initial accumulator from
// the context hyperparameters, keeping current values for absent keys.
func (c *Config) FromContext(ctx *context.Context) *Config {
	if lr := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0); lr > 0 {
		c.learningRate = lr
	}
	c.epsilon = context.GetParamOr(ctx, ParamEpsilon, c.epsilon)
	c.initialAccumulator = context.GetParamOr(ctx, ParamInitialAccumulator, c.initialAccumulator)
	return c
}

// Scope sets the scope holding the accumulators.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// DType forces the dtype used for the update computation. It defaults to the
// dtype of the loss.
func (c *Config) DType(dtype dtypes.DType) *Config {
	c.dtype = dtype
	return c
}

// LearningRate sets the learning rate.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Epsilon sets the denominator offset.
func (c *Config) Epsilon(value float64) *Config {
	c.epsilon = value
	return c
}

// InitialAccumulator sets the starting value of the squared-gradient sums.
func (c *Config) InitialAccumulator(value float64) *Config {
	c.initialAccumulator = value
	return c
}

// Done returns the configured optimizer.
func (c *Config) Done() optimizers.Interface {
	if c.epsilon < 0 {
		exceptions.Panicf("adagrad epsilon must not be negative, got %g", c.epsilon)
	}
	if c.initialAccumulator < 0 {
		exceptions.Panicf("adagrad initial accumulator must not be negative, got %g", c.initialAccumulator)
	}
	cp := *c
	return &adagrad{config: &cp}
}

type adagrad struct {
	config *Config
}

// UpdateGraph implements optimizers.Interface.
func (o *adagrad) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("adagrad requires a scalar loss to optimize, got loss.shape=%s", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients applies already computed gradients, in the order
// given by Context.BuildTrainableVariablesGradientsGraph.
func (o *adagrad) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		exceptions.Panicf("no gradients to apply, are there any trainable variables?")
	}
	g := grads[0].Graph()
	dtype := o.config.dtype
	if dtype == dtypes.InvalidDType {
		dtype = lossDType
	}

	lrValue := o.config.learningRate
	if lrValue <= 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	learningRate := optimizers.LearningRateVar(ctx, dtype, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	epsilon := Const(g, shapes.CastAsDType(o.config.epsilon, dtype))

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < numTrainable {
			o.apply(ctx, g, v, dtype, grads[varIdx], learningRate, epsilon)
		}
		varIdx++
	}
	if varIdx != numTrainable {
		exceptions.Panicf("got gradients for %d variables but adagrad sees %d trainable variables, "+
			"were variables created in between?", numTrainable, varIdx)
	}
}

func (o *adagrad) apply(ctx *context.Context, g *Graph, v *context.Variable, dtype dtypes.DType,
	grad, learningRate, epsilon *Node) {
	accumVar := o.accumulator(ctx, v, dtype)
	if grad.DType() != dtype {
		grad = ConvertDType(grad, dtype)
	}
	optimizers.TraceNaNInGradients(ctx, v, grad)
	grad = optimizers.ClipNaNsInGradients(ctx, grad)

	accum := Add(accumVar.ValueGraph(g), Square(grad))
	accumVar.SetValueGraph(accum)

	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	step := Div(Mul(learningRate, grad), Add(Sqrt(accum), epsilon))
	step = optimizers.ClipStepByValue(ctx, step)
	updated := Sub(value, step)
	updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
	if v.Shape().DType != dtype {
		updated = ConvertDType(updated, v.Shape().DType)
	}
	v.SetValueGraph(updated)
}

// accumulator returns (creating on first use) the squared-gradient sum of trainable.
func (o *adagrad) accumulator(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	initial := o.config.initialAccumulator
	initFn := initializers.Zero
	if initial != 0 {
		initFn = func(g *Graph, shape shapes.Shape) *Node {
			return MulScalar(initializers.One(g, shape), initial)
		}
	}
	return ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initFn).
		VariableWithShape(trainable.Name()+"_accumulator", shape).SetTrainable(false)
}

// Clear implements optimizers.Interface, dropping all accumulators.
func (o *adagrad) Clear(ctx *context.Context) {
	ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
