package nnet

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jnb666/mcdnn/img"
	"github.com/jnb666/mcdnn/num"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Names of the data partitions, each is stored in a <name>_set directory
var DataTypes = []string{"training", "validation", "test"}

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
}

// Dataset type encapsulates a set of training, test or validation data.
// Batches are loaded in the background into a pair of buffers.
// If the number of samples is not a multiple of the batch size the last batch wraps round to the start.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	Perturb   *img.Perturber
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	x, y, y1H [2]num.Array
	indexes   []int
	buf       int
	epoch     int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, flattenInput bool, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize == 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 {
		d.Batches++
	}
	nfeat := num.Prod(data.Shape())
	d.xBuffer = make([]float32, nfeat*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	for i := range d.x {
		if flattenInput {
			d.x[i] = dev.NewArray(num.Float32, nfeat, d.BatchSize)
		} else {
			d.x[i] = dev.NewArray(num.Float32, append(append([]int{}, data.Shape()...), d.BatchSize)...)
		}
		d.y[i] = dev.NewArray(num.Int32, d.BatchSize)
		d.y1H[i] = dev.NewArray(num.Float32, len(d.Classes()), d.BatchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue()
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		num.Release(d.x[i], d.y[i], d.y1H[i])
	}
}

// Number of valid samples in the given batch, the remainder of a partial final batch is padding.
func (d *Dataset) BatchSamples(batch int) int {
	return min(d.BatchSize, d.Samples-batch*d.BatchSize)
}

// indexes for the current batch, padded by wrapping round to the start of the epoch
func (d *Dataset) batchIndex() []int {
	index := make([]int, d.BatchSize)
	start := d.batch * d.BatchSize
	for i := range index {
		index[i] = d.indexes[(start+i)%d.Samples]
	}
	return index
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	index := d.batchIndex()
	buf := d.buf
	go func() {
		d.Input(index, d.xBuffer)
		d.Label(index, d.yBuffer)
		if d.Perturb != nil {
			d.Perturb.Apply(d.xBuffer, len(index))
		}
		d.queue.Call(
			num.Write(d.x[buf], d.xBuffer),
			num.Write(d.y[buf], d.yBuffer),
			num.Onehot(d.y[buf], d.y1H[buf], len(d.Classes())),
		)
		d.queue.Finish()
		d.Done()
	}()
}

// Get next batch of data
func (d *Dataset) NextBatch() (x, y, yOneHot num.Array) {
	d.Wait()
	x, y, yOneHot = d.x[d.buf], d.y[d.buf], d.y1H[d.buf]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Rewind to start of data
func (d *Dataset) Rewind() {
	d.Wait()
	d.epoch = 0
	d.batch = 0
	d.loadBatch()
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	d.loadBatch()
}

// Shuffle the data set, should be called before Rewind or NextEpoch
func (d *Dataset) Shuffle() {
	d.Wait()
	perm := d.rng.Perm(d.Data.Len())
	d.indexes = perm[:d.Samples]
}

// DataFile returns the path of the file for the given partition and contrast variant
func DataFile(dir, partition string, variant img.Variant) string {
	return filepath.Join(dir, partition+"_set", variant.String()+".dat")
}

// Decode image data from file in gob format
func LoadDataFile(dir, partition string, variant img.Variant) (*img.Data, error) {
	filePath := DataFile(dir, partition, variant)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := new(img.Data)
	if err = d.Decode(f); err != nil {
		return nil, errors.Wrapf(err, "error loading %s", filePath)
	}
	return d, nil
}

// Encode image data in gob format and save to file, the directory is created if needed
func SaveDataFile(dir, partition string, d *img.Data) (err error) {
	filePath := DataFile(dir, partition, d.Variant)
	if err = os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	if err = d.Encode(f); err != nil {
		return errors.Wrapf(err, "error saving %s", filePath)
	}
	return nil
}

// Check if file or directory exists
func FileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new data set from an array of inputs which implements the Data interface
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}
