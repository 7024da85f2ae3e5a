package img

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Types of random perturbation applied to a training sample
type Perturbation int

const (
	NoPerturb Perturbation = iota
	Translate
	ResizedCrop
	Rotate
)

var perturbNames = []string{"None", "Translate", "ResizedCrop", "Rotate"}

func (p Perturbation) String() string {
	if p >= 0 && int(p) < len(perturbNames) {
		return perturbNames[p]
	}
	return "Unknown"
}

// Perturbations is the set of outcomes which are chosen between with equal probability
var Perturbations = []Perturbation{NoPerturb, Translate, ResizedCrop, Rotate}

var (
	MaxTranslate = 0.1
	MinCropScale = 0.08
	MaxCropScale = 1.0
	MaxRotate    = 5.0
)

// Perturb picks one of the Perturbations at random and applies it to a copy of the source image.
func Perturb(rng *rand.Rand, src *Image) (*Image, Perturbation) {
	p := Perturbations[rng.Intn(len(Perturbations))]
	return Transform(rng, src, p), p
}

// Transform applies the given perturbation with random parameters drawn from rng.
// The result has the same size as the source and is quantised to 8 bits per channel.
func Transform(rng *rand.Rand, src *Image, p Perturbation) *Image {
	w, h := src.Width, src.Height
	var m *image.NRGBA
	switch p {
	case NoPerturb:
		return src.Clone()
	case Translate:
		tx := int(math.Round(uniform(rng, -MaxTranslate, MaxTranslate) * float64(w)))
		ty := int(math.Round(uniform(rng, -MaxTranslate, MaxTranslate) * float64(h)))
		m = imaging.Paste(imaging.New(w, h, color.Black), src.NRGBA(), image.Pt(tx, ty))
	case ResizedCrop:
		m = imaging.Resize(imaging.Crop(src.NRGBA(), cropRect(rng, w, h)), w, h, imaging.Linear)
	case Rotate:
		angle := uniform(rng, -MaxRotate, MaxRotate)
		m = imaging.CropCenter(imaging.Rotate(src.NRGBA(), angle, color.Black), w, h)
	default:
		panic("Transform: invalid perturbation type")
	}
	return FromImage(m, src.Channels)
}

// square crop with area drawn from the scale range, falls back to a central crop
func cropRect(rng *rand.Rand, w, h int) image.Rectangle {
	area := float64(w * h)
	for attempt := 0; attempt < 10; attempt++ {
		size := int(math.Round(math.Sqrt(area * uniform(rng, MinCropScale, MaxCropScale))))
		if size > 0 && size <= w && size <= h {
			x0 := rng.Intn(w - size + 1)
			y0 := rng.Intn(h - size + 1)
			return image.Rect(x0, y0, x0+size, y0+size)
		}
	}
	size := min(w, h)
	x0, y0 := (w-size)/2, (h-size)/2
	return image.Rect(x0, y0, x0+size, y0+size)
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// Perturber applies random perturbations to a batch of images in parallel.
type Perturber struct {
	Width, Height, Channels int
	threads                 int
	rng                     *rand.Rand
	seeds                   []int64
	kinds                   []Perturbation
}

// NewPerturber creates a new perturber for images of the given shape with a seeded random source.
func NewPerturber(width, height, channels int, rng *rand.Rand) *Perturber {
	return &Perturber{
		Width:    width,
		Height:   height,
		Channels: channels,
		threads:  runtime.GOMAXPROCS(0),
		rng:      rng,
	}
}

// SetThreads sets the number of worker goroutines, if n <= 0 then GOMAXPROCS is used.
func (p *Perturber) SetThreads(n int) {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p.threads = n
}

// Apply perturbs the first n images in buf in place and returns the perturbation used for each.
// The random choices are drawn sequentially so the result does not depend on the number of threads.
func (p *Perturber) Apply(buf []float32, n int) []Perturbation {
	size := p.Width * p.Height * p.Channels
	if len(buf) < n*size {
		panic("Perturber: buffer too small")
	}
	if cap(p.seeds) < n {
		p.seeds = make([]int64, n)
		p.kinds = make([]Perturbation, n)
	}
	seeds, kinds := p.seeds[:n], p.kinds[:n]
	for i := range seeds {
		kinds[i] = Perturbations[p.rng.Intn(len(Perturbations))]
		seeds[i] = p.rng.Int63()
	}
	var wg sync.WaitGroup
	queue := make(chan int, n)
	for thread := 0; thread < p.threads; thread++ {
		wg.Add(1)
		go func() {
			src := &Image{Width: p.Width, Height: p.Height, Channels: p.Channels}
			for i := range queue {
				if kinds[i] == NoPerturb {
					continue
				}
				src.Pix = buf[i*size : (i+1)*size]
				dst := Transform(rand.New(rand.NewSource(seeds[i])), src, kinds[i])
				copy(src.Pix, dst.Pix)
			}
			wg.Done()
		}()
	}
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return append([]Perturbation{}, kinds...)
}
