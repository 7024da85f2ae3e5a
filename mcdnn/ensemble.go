package mcdnn

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/jnb666/mcdnn/nnet"
	"github.com/jnb666/mcdnn/num"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Scorer returns a [classes, batch] matrix of raw scores for a batch of input.
// Each scorer must own its output array as it is read after all of the scorers have run.
type Scorer interface {
	Scores(q num.Queue, in num.Array) num.Array
}

// Average sets dst to the element wise mean of the outputs.
func Average(q num.Queue, outputs []num.Array, dst num.Array) error {
	if len(outputs) == 0 {
		return errors.New("average: no outputs")
	}
	for i, out := range outputs {
		if !num.SameShape(out.Dims(), dst.Dims()) {
			return errors.Errorf("average: output %d has shape %v, expecting %v", i, out.Dims(), dst.Dims())
		}
	}
	q.Call(num.Copy(dst, outputs[0]))
	for _, out := range outputs[1:] {
		q.Call(num.Axpy(1, out, dst))
	}
	if len(outputs) > 1 {
		q.Call(num.Scale(1/float32(len(outputs)), dst))
	}
	return nil
}

// Ensemble combines the raw scores of a set of scorers by averaging.
type Ensemble struct {
	Scorers []Scorer
	scores  num.Array
	classes num.Array
	outputs []num.Array
}

// NewEnsemble creates a new ensemble from one or more scorers.
func NewEnsemble(scorers ...Scorer) *Ensemble {
	return &Ensemble{Scorers: scorers}
}

// Scores returns the averaged scores from the last call to Predict.
func (e *Ensemble) Scores() num.Array { return e.scores }

// Predict runs every scorer on the same input and returns the class with the highest mean score
// for each column. Ties go to the lowest class index.
func (e *Ensemble) Predict(q num.Queue, in num.Array) ([]int32, error) {
	inputs := make([]num.Array, len(e.Scorers))
	for i := range inputs {
		inputs[i] = in
	}
	return e.PredictInputs(q, inputs)
}

// PredictInputs is like Predict, but inputs[i] is fed to the ith scorer.
func (e *Ensemble) PredictInputs(q num.Queue, inputs []num.Array) ([]int32, error) {
	if len(e.Scorers) == 0 {
		return nil, errors.New("ensemble: no scorers")
	}
	if len(inputs) != len(e.Scorers) {
		return nil, errors.Errorf("ensemble: got %d inputs for %d scorers", len(inputs), len(e.Scorers))
	}
	e.outputs = e.outputs[:0]
	for i, s := range e.Scorers {
		e.outputs = append(e.outputs, s.Scores(q, inputs[i]))
	}
	dims := e.outputs[0].Dims()
	if len(dims) != 2 {
		return nil, errors.Errorf("ensemble: expecting 2 dimensional scores, got %v", dims)
	}
	if e.scores == nil || !num.SameShape(e.scores.Dims(), dims) {
		num.Release(e.scores, e.classes)
		e.scores = q.NewArray(num.Float32, dims...)
		e.classes = q.NewArray(num.Int32, dims[1])
	}
	if err := Average(q, e.outputs, e.scores); err != nil {
		return nil, err
	}
	labels := make([]int32, dims[1])
	q.Call(
		num.Unhot(e.scores, e.classes),
		num.Read(e.classes, labels),
	).Finish()
	return labels, nil
}

// Classify runs the ensemble over every batch of test data, data[i] is the input for the ith scorer.
// Scorers which share a dataset are fed the same batch. Returns one label per sample in input order.
func (e *Ensemble) Classify(q num.Queue, data []*nnet.Dataset) ([]int32, error) {
	if len(data) == 0 || len(data) != len(e.Scorers) {
		return nil, errors.Errorf("ensemble: got %d datasets for %d scorers", len(data), len(e.Scorers))
	}
	first := data[0]
	var uniq []*nnet.Dataset
	seen := make(map[*nnet.Dataset]bool)
	for _, d := range data {
		if d.Samples != first.Samples || d.BatchSize != first.BatchSize {
			return nil, errors.New("ensemble: test datasets differ in size")
		}
		if !seen[d] {
			seen[d] = true
			uniq = append(uniq, d)
		}
	}
	for _, d := range uniq {
		d.Rewind()
	}
	labels := make([]int32, 0, first.Samples)
	inputs := make([]num.Array, len(data))
	batchInput := make(map[*nnet.Dataset]num.Array)
	for batch := 0; batch < first.Batches; batch++ {
		for _, d := range uniq {
			batchInput[d], _, _ = d.NextBatch()
		}
		for i, d := range data {
			inputs[i] = batchInput[d]
		}
		pred, err := e.PredictInputs(q, inputs)
		if err != nil {
			return nil, err
		}
		labels = append(labels, pred[:first.BatchSamples(batch)]...)
	}
	return labels, nil
}

// WritePredictions writes one integer class label per line with no header.
func WritePredictions(w io.Writer, labels []int32) error {
	cw := csv.NewWriter(w)
	for _, label := range labels {
		if err := cw.Write([]string{strconv.Itoa(int(label))}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SavePredictions writes the labels to a new file.
func SavePredictions(file string, labels []int32) (err error) {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	if err = WritePredictions(f, labels); err != nil {
		return errors.Wrapf(err, "error writing %s", file)
	}
	return nil
}
