package mcdnn

import (
	"fmt"
	"sync"

	"github.com/jnb666/mcdnn/img"
	"github.com/jnb666/mcdnn/nnet"
	"github.com/jnb666/mcdnn/num"
)

// Job is one column of the ensemble: a network of a given architecture trained on one contrast variant.
type Job struct {
	Name        string
	Variant     img.Variant
	Arch        string
	Config      nnet.Config
	Train       *nnet.Dataset
	Valid       *nnet.Dataset
	Test        *nnet.Dataset
	TrainDevice num.Device
	ValidDevice num.Device
	Net         *nnet.Network
	Tester      *nnet.ValidTester
	Epochs      int
	ValidError  float64
	mu          sync.Mutex
	stats       []nnet.Stats
}

// JobName returns the name used for logging and in the monitor, e.g. histeq_net2
func JobName(v img.Variant, arch string) string {
	return fmt.Sprintf("%s_%s", v, arch)
}

// Jobs lists one job for each variant and architecture pair, ordered by variant then architecture.
func Jobs(variants []img.Variant, archs []string) []*Job {
	jobs := make([]*Job, 0, len(variants)*len(archs))
	for _, v := range variants {
		for _, arch := range archs {
			jobs = append(jobs, &Job{Name: JobName(v, arch), Variant: v, Arch: arch})
		}
	}
	return jobs
}

// AddStats records the results of an epoch, may be called from the training goroutine while the monitor reads them.
func (j *Job) AddStats(s nnet.Stats) {
	j.mu.Lock()
	j.stats = append(j.stats, s)
	j.mu.Unlock()
}

// Stats returns a copy of the per epoch results so far.
func (j *Job) Stats() []nnet.Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]nnet.Stats{}, j.stats...)
}

// Release the datasets owned by the job, the test set may be shared so is left alone.
func (j *Job) Release() {
	for _, d := range []*nnet.Dataset{j.Train, j.Valid} {
		if d != nil {
			d.Release()
		}
	}
}
