// Package preprocess converts a directory of raw images into the gob data files used for training.
// Each image is resized to a fixed square size and stored once per contrast variant.
package preprocess

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/jnb666/mcdnn/img"
	"github.com/jnb666/mcdnn/nnet"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/lmittmann/ppm" // register ppm
	_ "golang.org/x/image/webp"  // register webp
)

// File extensions which are loaded from the raw directory
var Extensions = []string{".ppm", ".png", ".jpg", ".jpeg", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// Options for the conversion
type Options struct {
	RawDir        string
	DataDir       string
	ImageSize     int
	Channels      int
	ValidFraction float64
	Seed          int64
	Threads       int
}

// Done reports if the data directory has already been populated. The validation set is written last.
func Done(dataDir string) bool {
	return nnet.FileExists(filepath.Join(dataDir, "validation_set"))
}

// Run loads the raw images, splits off a validation set and saves each partition in every contrast variant.
// Nothing is done if the data directory already contains a validation set.
func Run(ctx context.Context, opts Options, log *zap.SugaredLogger) error {
	if Done(opts.DataDir) {
		log.Infow("preprocessed data found", "dir", opts.DataDir)
		return nil
	}
	if opts.Channels == 0 {
		opts.Channels = 3
	}
	log.Infow("preprocessing", "raw", opts.RawDir, "size", opts.ImageSize)
	train, err := Load(ctx, filepath.Join(opts.RawDir, "train"), nil, opts)
	if err != nil {
		return err
	}
	test, err := Load(ctx, filepath.Join(opts.RawDir, "test"), train.Class, opts)
	if err != nil {
		return err
	}
	if train.Len() < 2 {
		return errors.Errorf("need at least 2 training images, found %d", train.Len())
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	train, valid := Split(train, opts.ValidFraction, rng)
	mean, std := img.GetStats(train.Images)
	for _, d := range []*img.Data{train, valid, test} {
		d.Mean, d.StdDev = mean, std
	}
	log.Infow("loaded images", "classes", len(train.Class), "training", train.Len(),
		"validation", valid.Len(), "test", test.Len(), "mean", mean, "stddev", std)

	for i, d := range []*img.Data{train, test, valid} {
		partition := []string{"training", "test", "validation"}[i]
		if err := Save(ctx, opts.DataDir, partition, d, opts.Threads); err != nil {
			return err
		}
		log.Infow("saved", "partition", partition, "variants", len(img.Variants))
	}
	return nil
}

// Save applies each of the contrast variants to the data and writes the results in parallel.
func Save(ctx context.Context, dir, partition string, d *img.Data, threads int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers(threads))
	for _, v := range img.Variants {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return nnet.SaveDataFile(dir, partition, d.Enhance(v))
		})
	}
	return g.Wait()
}

// Load reads all of the images under dir. If dir has sub-directories then each one holds the images for
// one class, otherwise the images are unlabelled and are given label 0. If classes is nil then the class
// names are taken from the sub-directory names in sorted order.
func Load(ctx context.Context, dir string, classes []string, opts Options) (*img.Data, error) {
	files, labels, names, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no images found in %s", dir)
	}
	if classes == nil {
		classes = names
	} else if names != nil {
		labels, err = relabel(labels, names, classes)
		if err != nil {
			return nil, errors.Wrap(err, dir)
		}
	}
	if classes == nil {
		return nil, errors.Errorf("%s: class directories not found", dir)
	}
	images, err := LoadImages(ctx, files, opts.ImageSize, opts.Channels, opts.Threads)
	if err != nil {
		return nil, err
	}
	return img.NewData(classes, labels, images), nil
}

// List returns the image files under dir in sorted order. If there are class sub-directories the labels
// and sorted class names are also returned.
func List(dir string) (files []string, labels []int32, classes []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		files = imageFiles(dir, entries)
		return files, make([]int32, len(files)), nil, nil
	}
	sort.Strings(classes)
	for i, class := range classes {
		sub := filepath.Join(dir, class)
		entries, err := os.ReadDir(sub)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, file := range imageFiles(sub, entries) {
			files = append(files, file)
			labels = append(labels, int32(i))
		}
	}
	return files, labels, classes, nil
}

func imageFiles(dir string, entries []os.DirEntry) []string {
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, x := range Extensions {
			if ext == x {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files
}

// map labels indexed by names to the index in classes
func relabel(labels []int32, names, classes []string) ([]int32, error) {
	index := make(map[string]int32)
	for i, c := range classes {
		index[c] = int32(i)
	}
	res := make([]int32, len(labels))
	for i, l := range labels {
		ix, ok := index[names[l]]
		if !ok {
			return nil, errors.Errorf("class %q not in training set", names[l])
		}
		res[i] = ix
	}
	return res, nil
}

// LoadImages decodes and resizes the images in parallel, the order of the files is preserved.
func LoadImages(ctx context.Context, files []string, size, channels, threads int) ([]*img.Image, error) {
	images := make([]*img.Image, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers(threads))
	for i, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := LoadImage(file, size, channels)
			images[i] = m
			return err
		})
	}
	return images, g.Wait()
}

// LoadImage reads an image file and resizes it to size x size pixels with bilinear filtering.
func LoadImage(file string, size, channels int) (*img.Image, error) {
	src, err := imaging.Open(file)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", file)
	}
	return img.FromImage(imaging.Resize(src, size, size, imaging.Linear), channels), nil
}

// Split shuffles the data and returns the training and validation partitions.
// At least one sample is kept in each partition.
func Split(d *img.Data, validFraction float64, rng *rand.Rand) (train, valid *img.Data) {
	n := d.Len()
	nvalid := int(math.Round(validFraction * float64(n)))
	nvalid = max(1, min(nvalid, n-1))
	perm := rng.Perm(n)
	validIx := perm[:nvalid]
	trainIx := perm[nvalid:]
	sort.Ints(validIx)
	sort.Ints(trainIx)
	return d.Subset(trainIx), d.Subset(validIx)
}

func workers(threads int) int {
	if threads <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return threads
}
