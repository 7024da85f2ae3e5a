package preprocess

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/jnb666/mcdnn/img"
	"github.com/jnb666/mcdnn/nnet"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func writePNG(t *testing.T, file string, c color.NRGBA) {
	t.Helper()
	test.That(t, os.MkdirAll(filepath.Dir(file), 0755), test.ShouldBeNil)
	m := image.NewNRGBA(image.Rect(0, 0, 20, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 20; x++ {
			m.SetNRGBA(x, y, c)
		}
	}
	f, err := os.Create(file)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, png.Encode(f, m), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
}

func rawDir(t *testing.T) string {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		writePNG(t, filepath.Join(dir, "train", "stop", string(rune('a'+i))+".png"), color.NRGBA{200, 20, 20, 255})
		writePNG(t, filepath.Join(dir, "train", "yield", string(rune('a'+i))+".png"), color.NRGBA{20, 20, 200, 255})
	}
	writePNG(t, filepath.Join(dir, "test", "1.png"), color.NRGBA{20, 20, 200, 255})
	writePNG(t, filepath.Join(dir, "test", "0.png"), color.NRGBA{200, 20, 20, 255})
	test.That(t, os.WriteFile(filepath.Join(dir, "test", "README.txt"), []byte("skip"), 0644), test.ShouldBeNil)
	return dir
}

func TestList(t *testing.T) {
	dir := rawDir(t)
	files, labels, classes, err := List(filepath.Join(dir, "train"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, classes, test.ShouldResemble, []string{"stop", "yield"})
	test.That(t, labels, test.ShouldResemble, []int32{0, 0, 0, 1, 1, 1})
	test.That(t, filepath.Base(files[3]), test.ShouldEqual, "a.png")

	files, labels, classes, err = List(filepath.Join(dir, "test"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, classes, test.ShouldBeNil)
	test.That(t, len(files), test.ShouldEqual, 2)
	test.That(t, filepath.Base(files[0]), test.ShouldEqual, "0.png")
	test.That(t, labels, test.ShouldResemble, []int32{0, 0})

	_, _, _, err = List(filepath.Join(dir, "missing"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRelabel(t *testing.T) {
	labels, err := relabel([]int32{0, 1, 1}, []string{"b", "c"}, []string{"a", "b", "c"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, labels, test.ShouldResemble, []int32{1, 2, 2})
	_, err = relabel([]int32{0}, []string{"z"}, []string{"a"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadImage(t *testing.T) {
	dir := rawDir(t)
	m, err := LoadImage(filepath.Join(dir, "train", "stop", "a.png"), 8, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Width, test.ShouldEqual, 8)
	test.That(t, m.Height, test.ShouldEqual, 8)
	test.That(t, m.RGBAt(4, 4).R, test.ShouldAlmostEqual, 200.0/255, 1.0/255)
	test.That(t, m.RGBAt(4, 4).B, test.ShouldAlmostEqual, 20.0/255, 1.0/255)

	_, err = LoadImage(filepath.Join(dir, "test", "README.txt"), 8, 3)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSplit(t *testing.T) {
	images := make([]*img.Image, 10)
	labels := make([]int32, 10)
	for i := range images {
		images[i] = img.NewImage(2, 2, 1)
		images[i].Pix[0] = float32(i)
		labels[i] = int32(i)
	}
	d := img.NewData([]string{"x"}, labels, images)
	train, valid := Split(d, 0.2, rand.New(rand.NewSource(1)))
	test.That(t, train.Len(), test.ShouldEqual, 8)
	test.That(t, valid.Len(), test.ShouldEqual, 2)
	all := append(append([]int32{}, train.Labels...), valid.Labels...)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	test.That(t, all, test.ShouldResemble, labels)

	train2, _ := Split(d, 0.2, rand.New(rand.NewSource(1)))
	test.That(t, train2.Labels, test.ShouldResemble, train.Labels)

	_, valid = Split(d, 0.001, rand.New(rand.NewSource(1)))
	test.That(t, valid.Len(), test.ShouldEqual, 1)
}

func TestRun(t *testing.T) {
	raw := rawDir(t)
	data := filepath.Join(t.TempDir(), "data")
	opts := Options{RawDir: raw, DataDir: data, ImageSize: 8, ValidFraction: 0.34, Seed: 1, Threads: 2}
	log := zaptest.NewLogger(t).Sugar()
	test.That(t, Done(data), test.ShouldBeFalse)
	test.That(t, Run(context.Background(), opts, log), test.ShouldBeNil)
	test.That(t, Done(data), test.ShouldBeTrue)

	for _, partition := range nnet.DataTypes {
		for _, v := range img.Variants {
			test.That(t, nnet.FileExists(nnet.DataFile(data, partition, v)), test.ShouldBeTrue)
		}
	}
	valid, err := nnet.LoadDataFile(data, "validation", img.Histeq)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, valid.Len(), test.ShouldEqual, 2)
	test.That(t, valid.Variant, test.ShouldEqual, img.Histeq)
	test.That(t, valid.Shape(), test.ShouldResemble, []int{8, 8, 3})

	train, err := nnet.LoadDataFile(data, "training", img.Original)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, train.Len(), test.ShouldEqual, 4)
	test.That(t, train.Classes(), test.ShouldResemble, []string{"stop", "yield"})
	test.That(t, len(train.Mean), test.ShouldEqual, 3)

	testSet, err := nnet.LoadDataFile(data, "test", img.Original)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, testSet.Len(), test.ShouldEqual, 2)
	test.That(t, testSet.Images[0].RGBAt(0, 0).R, test.ShouldAlmostEqual, 200.0/255, 1.0/255)

	// second run finds the existing data
	test.That(t, Run(context.Background(), Options{DataDir: data}, log), test.ShouldBeNil)
}

func TestRunMissing(t *testing.T) {
	opts := Options{RawDir: t.TempDir(), DataDir: filepath.Join(t.TempDir(), "data"), ImageSize: 8, ValidFraction: 0.1}
	err := Run(context.Background(), opts, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldNotBeNil)
}
