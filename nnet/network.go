// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/jnb666/mcdnn/num"
	"go.uber.org/zap"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	BatchSize int
	dev       num.Device
	log       *zap.SugaredLogger
	classes   num.Array
	diffs     num.Array
	batchLoss num.Array
	inputGrad num.Array
	inShape   []int
}

// New function creates a new network with the given layers. Arrays are allocated on the device of queue q.
// inShape is the shape of a single input sample, the batch size is added as the last dimension.
func New(q num.Queue, conf Config, batchSize int, inShape []int) *Network {
	n := &Network{Config: conf, BatchSize: batchSize, dev: q.Dev(), log: zap.NewNop().Sugar()}
	if conf.FlattenInput {
		n.inShape = []int{num.Prod(inShape), batchSize}
	} else {
		n.inShape = append(append([]int{}, inShape...), batchSize)
	}
	shape := n.inShape
	var prev Layer
	for _, l := range conf.Layers {
		layer := l.Unmarshal()
		layer.Init(q, shape, prev)
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape(shape)
		prev = layer
	}
	n.batchLoss = q.NewArray(num.Float32)
	return n
}

// SetLogger sets the logger used for debug output
func (n *Network) SetLogger(log *zap.SugaredLogger) {
	n.log = log
}

// Device where the network arrays are allocated
func (n *Network) Device() num.Device { return n.dev }

// InShape returns the network input shape including the batch dimension
func (n *Network) InShape() []int { return n.inShape }

// Initialise network weights using a uniform or normal distribution.
// Weights for each layer are scaled by 1/sqrt(nin) where nin is the number of inputs to each unit.
func (n *Network) InitWeights(q num.Queue, rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			nin := W.Size() / B.Size()
			scale := float32(1 / math.Sqrt(float64(nin)))
			l.InitParams(q, scale, float32(n.Bias), n.NormalWeights, rng)
		}
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights(q)
	}
}

// Copy weights and bias arrays to destination net
func (n *Network) CopyTo(q num.Queue, net *Network) {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			net.Layers[i].(ParamLayer).SetParams(q, W, B)
		}
	}
}

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Feed forward the input to get the predicted output
func (n *Network) Fprop(q num.Queue, input num.Array) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 && pred != nil {
			n.log.Debugf("layer %d input\n%s", i, pred.String(q))
		}
		pred = layer.Fprop(q, pred)
	}
	return pred
}

// Scores feeds forward the input and returns the raw output scores. If the last layer is an output layer
// it is skipped, so for a logRegression output these are the values before the softmax.
func (n *Network) Scores(q num.Queue, input num.Array) num.Array {
	layers := n.Layers
	if _, ok := layers[len(layers)-1].(OutputLayer); ok {
		layers = layers[:len(layers)-1]
	}
	pred := input
	for _, layer := range layers {
		pred = layer.Fprop(q, pred)
	}
	return pred
}

// Back propagate the gradient at the output through each of the layers
func (n *Network) Bprop(q num.Queue, grad num.Array) num.Array {
	for i := len(n.Layers) - 1; i >= 0; i-- {
		grad = n.Layers[i].Bprop(q, grad)
		if n.DebugLevel >= 3 && grad != nil {
			n.log.Debugf("layer %d bprop output:\n%s", i, grad.String(q))
		}
	}
	return grad
}

// Update the weights of each layer using the gradients from the last call to Bprop
func (n *Network) Update(q num.Queue, opt *Optimizer) {
	opt.Next()
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.UpdateParams(q, opt)
		}
	}
}

// Predict output given input data
func (n *Network) Predict(q num.Queue, input, classes num.Array) num.Array {
	yPred := n.Fprop(q, input)
	if n.DebugLevel >= 2 {
		n.log.Debugf("yPred\n%s", yPred.String(q))
	}
	q.Call(num.Unhot(yPred, classes))
	return yPred
}

// Loss returns the mean loss over the first samples columns of the batch, the rest are padding.
func (n *Network) Loss(q num.Queue, yOneHot, yPred num.Array, samples int) float64 {
	losses := n.OutLayer().Loss(q, yOneHot, yPred)
	if n.DebugLevel >= 2 {
		n.log.Debugf("loss:\n%s", losses.String(q))
	}
	res := make([]float32, 1)
	q.Call(
		num.Sum(num.Cols(losses, 0, samples), n.batchLoss, 1/float32(samples)),
		num.Read(n.batchLoss, res),
	).Finish()
	return float64(res[0])
}

// Gradient of the mean loss with respect to the input of the output layer, prior to scaling by 1/samples.
// Columns from samples onwards are padding and their gradient is zero.
func (n *Network) OutputGrad(q num.Queue, yOneHot, yPred num.Array, samples int) num.Array {
	if n.inputGrad == nil {
		n.inputGrad = q.NewArrayLike(yPred)
	}
	q.Call(
		num.Copy(n.inputGrad, yPred),
		num.Axpy(-1, yOneHot, n.inputGrad),
	)
	if nBatch := yPred.Dims()[1]; samples < nBatch {
		q.Call(num.Fill(num.Cols(n.inputGrad, samples, nBatch), 0))
	}
	return n.inputGrad
}

// Calculate the error from the predicted versus actual values
// if pred slice is not nil then also return the predicted output classes.
func (n *Network) Error(q num.Queue, dset *Dataset, pred []int32) float64 {
	n.allocArrays(q, dset.BatchSize)
	dset.Rewind()
	errs := make([]int32, dset.BatchSize)
	total := 0
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, _ := dset.NextBatch()
		samples := dset.BatchSamples(batch)
		n.Predict(q, x, n.classes)
		q.Call(
			num.Neq(n.classes, y, n.diffs),
			num.Read(n.diffs, errs),
		)
		if pred != nil {
			start := batch * dset.BatchSize
			q.Call(num.Read(n.classes, pred[start:start+samples]))
		}
		q.Finish()
		for _, e := range errs[:samples] {
			total += int(e)
		}
		if n.DebugLevel >= 2 || (n.DebugLevel >= 1 && batch == 0) {
			n.log.Debugf("batch %d labels\n%s\npredicted\n%s", batch, y.String(q), n.classes.String(q))
		}
	}
	return float64(total) / float64(dset.Samples)
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), shape)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights(q num.Queue) {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			n.log.Debugf("== Layer %d weights ==\n%s %s", i, W.String(q), B.String(q))
		}
	}
}

// Total size of the weight arrays in bytes
func (n *Network) ParamBytes() int {
	bytes := 0
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			bytes += num.Bytes(l.Params())
		}
	}
	return bytes
}

func (n *Network) allocArrays(q num.Queue, size int) {
	if n.classes == nil || n.classes.Dims()[0] != size {
		n.classes = q.NewArray(num.Int32, size)
		n.diffs = q.NewArray(num.Int32, size)
	}
}
