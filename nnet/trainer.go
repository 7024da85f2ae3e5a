package nnet

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/jnb666/mcdnn/num"
	"github.com/jnb666/mcdnn/stats"
	"go.uber.org/zap"
)

// Training statistics for one epoch
type Stats struct {
	Epoch     int
	TrainLoss float64
	ValidLoss float64
	Elapsed   time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("epoch %3d: train loss = %.4f valid loss = %.4f", s.Epoch, s.TrainLoss, s.ValidLoss)
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss float64, start time.Time) bool
}

// EarlyStop returns true if the last epoch has been run or the validation loss is exactly zero
func EarlyStop(epoch, maxEpoch int, validLoss float64) bool {
	return validLoss == 0 || epoch >= maxEpoch
}

// ValidTester evaluates the loss on a single freshly shuffled batch of validation data after each epoch.
// It keeps its own copy of the network on the validation device, weights are copied across before each test.
type ValidTester struct {
	Name    string
	Net     *Network
	Data    *Dataset
	Stats   []Stats
	History stats.History
	OnEpoch func(Stats)
	queue   num.Queue
	log     *zap.SugaredLogger
}

// Create a new tester using queue q on the validation device
func NewValidTester(q num.Queue, name string, conf Config, data Data, rng *rand.Rand, log *zap.SugaredLogger) *ValidTester {
	t := &ValidTester{Name: name, queue: q, log: log}
	t.Data = NewDataset(q.Dev(), data, conf.TestBatch, conf.MaxSamples, conf.FlattenInput, rng)
	t.Net = New(q, conf, t.Data.BatchSize, data.Shape())
	t.Net.SetLogger(log)
	return t
}

// Reset stats prior to new run
func (t *ValidTester) Reset() {
	t.Stats = t.Stats[:0]
	t.History = stats.History{}
}

// Loss on one batch of validation data using the current weights from net
func (t *ValidTester) Loss(net *Network) float64 {
	q := t.queue
	net.CopyTo(q, t.Net)
	t.Data.Shuffle()
	t.Data.Rewind()
	x, _, yOneHot := t.Data.NextBatch()
	yPred := t.Net.Fprop(q, x)
	return t.Net.Loss(q, yOneHot, yPred, t.Data.BatchSamples(0))
}

// Error returns the classification error over the whole validation set using the current weights from net
func (t *ValidTester) Error(net *Network) float64 {
	net.CopyTo(t.queue, t.Net)
	return t.Net.Error(t.queue, t.Data, nil)
}

// Test is called from the Train function on completion of each epoch.
func (t *ValidTester) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	s := Stats{Epoch: epoch, TrainLoss: loss, ValidLoss: t.Loss(net), Elapsed: time.Since(start)}
	t.Stats = append(t.Stats, s)
	t.History.Add(s.TrainLoss, s.ValidLoss)
	done := EarlyStop(epoch, net.MaxEpoch, s.ValidLoss)
	if done || net.LogEvery == 0 || epoch%net.LogEvery == 0 {
		t.log.Infow("epoch", "job", t.Name, "epoch", epoch, "train_loss", s.TrainLoss,
			"valid_loss", s.ValidLoss, "elapsed", s.Elapsed.Round(10*time.Millisecond))
	}
	if s.ValidLoss == 0 {
		t.log.Infow("validation loss is zero - stopping", "job", t.Name, "epoch", epoch)
	}
	if t.OnEpoch != nil {
		t.OnEpoch(s)
	}
	return done
}

// Train the network on the given training set by updating the weights, returns the number of epochs run
func Train(q num.Queue, net *Network, dset *Dataset, test Tester) int {
	opt := NewOptimizer(net.Config, dset.BatchSize)
	start := time.Now()
	epoch := 0
	for done := false; !done && epoch < net.MaxEpoch; {
		epoch++
		loss := TrainEpoch(q, net, dset, opt)
		done = test.Test(net, epoch, loss, start)
	}
	return epoch
}

// Perform one training epoch on dataset, returns the mean loss of the final batch prior to updating the weights.
// Padding at the end of a partial final batch does not contribute to the loss or the gradients.
func TrainEpoch(q num.Queue, net *Network, dset *Dataset, opt *Optimizer) float64 {
	if net.Shuffle {
		dset.Shuffle()
	}
	dset.NextEpoch()
	var loss float64
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			net.log.Debugf("== train batch %d ==", batch)
		}
		samples := dset.BatchSamples(batch)
		x, _, yOneHot := dset.NextBatch()
		yPred := net.Fprop(q, x)
		if net.DebugLevel >= 2 {
			net.log.Debugf("yOneHot:\n%s", yOneHot.String(q))
			net.log.Debugf("yPred:\n%s", yPred.String(q))
		}
		if batch == dset.Batches-1 || net.DebugLevel >= 1 {
			loss = net.Loss(q, yOneHot, yPred, samples)
		}
		grad := net.OutputGrad(q, yOneHot, yPred, samples)
		net.Bprop(q, grad)
		opt.GradScale = 1 / float32(samples)
		net.Update(q, opt)
		q.Finish()
		if net.DebugLevel >= 2 || (batch == dset.Batches-1 && net.DebugLevel >= 1) {
			net.PrintWeights(q)
		}
	}
	return loss
}
