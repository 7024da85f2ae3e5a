package img

import (
	"fmt"
	"math"
	"sort"

	colorful "github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/stat"
)

// Variant is a contrast enhancement applied to every image in a dataset
type Variant int

const (
	Original Variant = iota
	Imadjust
	Histeq
	Adapthisteq
)

// Variants lists all of the contrast variants in training order
var Variants = []Variant{Original, Imadjust, Histeq, Adapthisteq}

var variantNames = []string{"original", "imadjust", "histeq", "adapthisteq"}

func (v Variant) String() string {
	if v >= 0 && int(v) < len(variantNames) {
		return variantNames[v]
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant converts a name to a Variant
func ParseVariant(name string) (Variant, error) {
	for i, s := range variantNames {
		if s == name {
			return Variant(i), nil
		}
	}
	return 0, fmt.Errorf("invalid contrast variant %q", name)
}

func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(text []byte) (err error) {
	*v, err = ParseVariant(string(text))
	return err
}

// Parameters for the contrast adjustments
var (
	AdjustLow  = 0.01
	AdjustHigh = 0.99
	HistBins   = 256
	ClaheTiles = 8
	ClaheClip  = 0.01
)

// Enhance returns a copy of the image with the contrast variant applied.
// For colour images the adjustment is made to the L channel in Lab space so the hue is preserved.
func Enhance(src *Image, v Variant) *Image {
	var fn func(l []float64, w, h int)
	switch v {
	case Original:
		return src.Clone()
	case Imadjust:
		fn = func(l []float64, w, h int) { imadjust(l) }
	case Histeq:
		fn = func(l []float64, w, h int) { histeq(l) }
	case Adapthisteq:
		fn = clahe
	default:
		panic("Enhance: invalid variant")
	}
	dst := NewImageLike(src)
	n := src.Width * src.Height
	l := make([]float64, n)
	if src.Channels == 1 {
		for i, val := range src.Pix {
			l[i] = float64(val)
		}
		fn(l, src.Width, src.Height)
		for i, val := range l {
			dst.Pix[i] = float32(val)
		}
		return dst
	}
	a := make([]float64, n)
	b := make([]float64, n)
	r, g, bl := src.Pixels(0), src.Pixels(1), src.Pixels(2)
	for i := range l {
		c := colorful.Color{R: float64(r[i]), G: float64(g[i]), B: float64(bl[i])}
		l[i], a[i], b[i] = c.Lab()
		l[i] = math.Max(0, math.Min(1, l[i]))
	}
	fn(l, src.Width, src.Height)
	r, g, bl = dst.Pixels(0), dst.Pixels(1), dst.Pixels(2)
	for i := range l {
		c := colorful.Lab(l[i], a[i], b[i]).Clamped()
		r[i], g[i], bl[i] = float32(c.R), float32(c.G), float32(c.B)
	}
	return dst
}

// linear stretch of the low and high percentiles to the full range
func imadjust(l []float64) {
	sorted := append([]float64{}, l...)
	sort.Float64s(sorted)
	lo := stat.Quantile(AdjustLow, stat.Empirical, sorted, nil)
	hi := stat.Quantile(AdjustHigh, stat.Empirical, sorted, nil)
	if hi <= lo {
		return
	}
	for i, val := range l {
		l[i] = math.Max(0, math.Min(1, (val-lo)/(hi-lo)))
	}
}

func bin(val float64) int {
	b := int(val * float64(HistBins))
	if b < 0 {
		return 0
	}
	if b >= HistBins {
		return HistBins - 1
	}
	return b
}

// global histogram equalisation, the output spans [0, 1] unless the input is constant
func histeq(l []float64) {
	hist := make([]int, HistBins)
	for _, val := range l {
		hist[bin(val)]++
	}
	cdf := make([]int, HistBins)
	sum, cdfMin := 0, 0
	for i, n := range hist {
		sum += n
		cdf[i] = sum
		if cdfMin == 0 && sum > 0 {
			cdfMin = sum
		}
	}
	if sum == cdfMin {
		return
	}
	for i, val := range l {
		l[i] = float64(cdf[bin(val)]-cdfMin) / float64(sum-cdfMin)
	}
}

// contrast limited adaptive histogram equalisation with bilinear interpolation between tiles
func clahe(l []float64, w, h int) {
	nx, ny := min(ClaheTiles, w), min(ClaheTiles, h)
	xb := tileBounds(w, nx)
	yb := tileBounds(h, ny)
	maps := make([][]float64, nx*ny)
	for ty := 0; ty < ny; ty++ {
		for tx := 0; tx < nx; tx++ {
			hist := make([]int, HistBins)
			pixels := 0
			for y := yb[ty]; y < yb[ty+1]; y++ {
				for x := xb[tx]; x < xb[tx+1]; x++ {
					hist[bin(l[y*w+x])]++
					pixels++
				}
			}
			maps[ty*nx+tx] = tileMap(hist, pixels)
		}
	}
	tmp := make([]float64, len(l))
	for y := 0; y < h; y++ {
		y0, y1, fy := tileCoord(y, yb)
		for x := 0; x < w; x++ {
			x0, x1, fx := tileCoord(x, xb)
			b := bin(l[y*w+x])
			top := maps[y0*nx+x0][b]*(1-fx) + maps[y0*nx+x1][b]*fx
			bot := maps[y1*nx+x0][b]*(1-fx) + maps[y1*nx+x1][b]*fx
			tmp[y*w+x] = top*(1-fy) + bot*fy
		}
	}
	copy(l, tmp)
}

func tileBounds(size, n int) []int {
	b := make([]int, n+1)
	for i := range b {
		b[i] = i * size / n
	}
	return b
}

// pair of neighbouring tiles and interpolation weight for pixel position p
func tileCoord(p int, bounds []int) (t0, t1 int, frac float64) {
	n := len(bounds) - 1
	centre := func(t int) float64 { return float64(bounds[t]+bounds[t+1]-1) / 2 }
	pos := float64(p)
	if pos <= centre(0) {
		return 0, 0, 0
	}
	if pos >= centre(n-1) {
		return n - 1, n - 1, 0
	}
	t0 = 0
	for t0 < n-2 && pos >= centre(t0+1) {
		t0++
	}
	return t0, t0 + 1, (pos - centre(t0)) / (centre(t0+1) - centre(t0))
}

// clipped histogram cumulative distribution mapping each bin to [0, 1]
func tileMap(hist []int, pixels int) []float64 {
	minClip := (pixels + HistBins - 1) / HistBins
	limit := minClip + int(math.Round(ClaheClip*float64(pixels-minClip)))
	excess := 0
	for i, n := range hist {
		if n > limit {
			excess += n - limit
			hist[i] = limit
		}
	}
	add, rem := excess/HistBins, excess%HistBins
	for i := range hist {
		hist[i] += add
	}
	if rem > 0 {
		step := HistBins / rem
		for i := 0; i < rem; i++ {
			hist[i*step]++
		}
	}
	m := make([]float64, HistBins)
	sum := 0
	for i, n := range hist {
		sum += n
		m[i] = math.Min(1, float64(sum)/float64(pixels))
	}
	return m
}
