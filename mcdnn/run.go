package mcdnn

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jnb666/mcdnn/img"
	"github.com/jnb666/mcdnn/nnet"
	"github.com/jnb666/mcdnn/num"
	"github.com/jnb666/mcdnn/preprocess"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Monitor is notified as training progresses.
type Monitor interface {
	Start(jobs []*Job)
	Epoch(job *Job, s nnet.Stats)
	// Done is called once every job has been trained.
	Done()
}

// Runner trains each job in turn and then classifies the test set with the ensemble.
type Runner struct {
	RunConfig
	ID      string
	Jobs    []*Job
	Monitor Monitor
	trainQ  num.Queue
	validQ  num.Queue
	rng     *rand.Rand
	log     *zap.SugaredLogger
	data    map[string]*img.Data
	test    map[img.Variant]*nnet.Dataset
}

// NewRunner sets up the devices and job list for a run.
func NewRunner(conf RunConfig, log *zap.SugaredLogger) (*Runner, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	r := &Runner{
		RunConfig: conf,
		ID:        id,
		Jobs:      Jobs(conf.Variants, conf.Archs),
		trainQ:    num.NewDevice("train", conf.Threads).NewQueue(),
		validQ:    num.NewDevice("valid", conf.Threads).NewQueue(),
		rng:       rand.New(rand.NewSource(conf.Train.RandSeed)),
		log:       log.With("run", id),
		data:      make(map[string]*img.Data),
		test:      make(map[img.Variant]*nnet.Dataset),
	}
	r.trainQ.Profiling(conf.Train.Profile)
	return r, nil
}

// Run preprocesses the raw data if needed, trains every job and writes the test set predictions to OutFile.
func (r *Runner) Run(ctx context.Context) error {
	err := preprocess.Run(ctx, preprocess.Options{
		RawDir:        r.RawDir,
		DataDir:       r.DataDir,
		ImageSize:     r.ImageSize,
		ValidFraction: r.ValidFraction,
		Seed:          r.Train.RandSeed,
		Threads:       r.Threads,
	}, r.log)
	if err != nil {
		return errors.Wrap(err, "preprocessing failed")
	}
	if r.Monitor != nil {
		r.Monitor.Start(r.Jobs)
	}
	for _, job := range r.Jobs {
		if err := r.Setup(job); err != nil {
			return err
		}
		if err := r.TrainJob(ctx, job); err != nil {
			return err
		}
	}
	if r.Monitor != nil {
		r.Monitor.Done()
	}
	labels, err := r.Classify()
	if err != nil {
		return err
	}
	if err := SavePredictions(r.OutFile, labels); err != nil {
		return err
	}
	r.log.Infow("saved predictions", "file", r.OutFile, "samples", len(labels))
	return nil
}

// Setup loads the data for the job and creates the network with randomly initialised weights.
func (r *Runner) Setup(job *Job) error {
	train, err := r.load("training", job.Variant)
	if err != nil {
		return err
	}
	valid, err := r.load("validation", job.Variant)
	if err != nil {
		return err
	}
	job.Config, err = Arch(job.Arch, r.Train, train.ClassSize(), r.NetDir)
	if err != nil {
		return err
	}
	if err = job.Config.Validate(); err != nil {
		return errors.Wrap(err, job.Name)
	}
	conf := job.Config
	job.TrainDevice, job.ValidDevice = r.trainQ.Dev(), r.validQ.Dev()
	job.Train = nnet.NewDataset(job.TrainDevice, train, conf.TrainBatch, conf.MaxSamples, conf.FlattenInput, r.rng)
	shape := train.Shape()
	// perturbations run on the background loader so get their own random source
	prng := rand.New(rand.NewSource(r.rng.Int63()))
	job.Train.Perturb = img.NewPerturber(shape[0], shape[1], shape[2], prng)
	job.Train.Perturb.SetThreads(r.Threads)

	job.Net = nnet.New(r.trainQ, conf, job.Train.BatchSize, shape)
	job.Net.SetLogger(r.log.With("job", job.Name))
	job.Net.InitWeights(r.trainQ, r.rng)

	job.Tester = nnet.NewValidTester(r.validQ, job.Name, conf, valid, r.rng, r.log)
	job.Valid = job.Tester.Data
	job.Tester.OnEpoch = func(s nnet.Stats) {
		job.AddStats(s)
		if r.Monitor != nil {
			r.Monitor.Epoch(job, s)
		}
	}
	r.log.Debugf("%s\n%s", job.Name, job.Net)
	return nil
}

// TrainJob trains the network for one job, stopping early if the context is cancelled.
func (r *Runner) TrainJob(ctx context.Context, job *Job) error {
	r.log.Infow("training", "job", job.Name, "train", job.Train.Samples, "valid", job.Valid.Samples,
		"weights_mb", float64(job.Net.ParamBytes())/(1024*1024))
	start := time.Now()
	job.Epochs = nnet.Train(r.trainQ, job.Net, job.Train, ctxTester{Tester: job.Tester, ctx: ctx})
	if err := ctx.Err(); err != nil {
		job.Release()
		return err
	}
	job.ValidError = job.Tester.Error(job.Net)
	job.Release()
	r.log.Infow("trained", "job", job.Name, "epochs", job.Epochs, "valid_error", job.ValidError,
		"elapsed", time.Since(start).Round(time.Second))
	if job.Config.Profile {
		r.log.Infof("%s profile\n%s", job.Name, r.trainQ.Profile())
	}
	return nil
}

// Classify runs the trained networks over the test set. Each network uses the original test images
// unless MatchTestVariant is set, in which case the test set with the job's contrast variant is used.
func (r *Runner) Classify() ([]int32, error) {
	scorers := make([]Scorer, len(r.Jobs))
	dsets := make([]*nnet.Dataset, len(r.Jobs))
	for i, job := range r.Jobs {
		if job.Net == nil {
			return nil, errors.Errorf("job %s has not been trained", job.Name)
		}
		v := img.Original
		if r.MatchTestVariant {
			v = job.Variant
		}
		dset, err := r.testSet(v)
		if err != nil {
			return nil, err
		}
		// the ensemble averages the raw scores from the layer before the softmax
		net := nnet.New(r.validQ, job.Config, dset.BatchSize, dset.Shape())
		job.Net.CopyTo(r.validQ, net)
		scorers[i], dsets[i] = net, dset
	}
	labels, err := NewEnsemble(scorers...).Classify(r.validQ, dsets)
	for _, d := range r.test {
		d.Release()
	}
	return labels, err
}

func (r *Runner) testSet(v img.Variant) (*nnet.Dataset, error) {
	if d, ok := r.test[v]; ok {
		return d, nil
	}
	data, err := r.load("test", v)
	if err != nil {
		return nil, err
	}
	d := nnet.NewDataset(r.validQ.Dev(), data, r.Train.TestBatch, 0, r.Train.FlattenInput, r.rng)
	r.test[v] = d
	return d, nil
}

// data files are cached so the two architectures for a variant share them
func (r *Runner) load(partition string, v img.Variant) (*img.Data, error) {
	key := nnet.DataFile(r.DataDir, partition, v)
	if d, ok := r.data[key]; ok {
		return d, nil
	}
	d, err := nnet.LoadDataFile(r.DataDir, partition, v)
	if err != nil {
		return nil, err
	}
	r.log.Debugw("loaded data", "file", key, "samples", d.Len(), "classes", d.ClassSize(),
		"mean", d.Mean, "stddev", d.StdDev)
	r.data[key] = d
	return d, nil
}

type ctxTester struct {
	nnet.Tester
	ctx context.Context
}

func (t ctxTester) Test(net *nnet.Network, epoch int, loss float64, start time.Time) bool {
	done := t.Tester.Test(net, epoch, loss, start)
	return done || t.ctx.Err() != nil
}
