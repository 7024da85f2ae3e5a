package num

import (
	"math/rand"
	"testing"

	"go.viam.com/test"
)

const eps = 1e-4

type convParams struct {
	batch, depth, h, w, feats, size, stride, pad int
}

func randArray(rng *rand.Rand, size int, min, max float32) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = min + rng.Float32()*(max-min)
	}
	return v
}

func compareArrays(t *testing.T, q Queue, title string, A Array, expect []float32) {
	t.Helper()
	arr := make([]float32, A.Size())
	q.Call(Read(A, arr)).Finish()
	test.That(t, len(arr), test.ShouldEqual, len(expect))
	for i := range arr {
		if abs(arr[i]-expect[i]) > eps {
			t.Errorf("%s mismatch at %d: got %g expect %g", title, i, arr[i], expect[i])
			return
		}
	}
}

// direct convolution over column major [w,h,c,n] arrays
type naiveConv struct {
	convParams
	ow, oh int
}

func (c naiveConv) in(x, y, ch, n int) int   { return ((n*c.depth+ch)*c.h+y)*c.w + x }
func (c naiveConv) out(x, y, f, n int) int   { return ((n*c.feats+f)*c.oh+y)*c.ow + x }
func (c naiveConv) filt(x, y, ch, f int) int { return ((f*c.depth+ch)*c.size+y)*c.size + x }

func (c naiveConv) each(fn func(ix, iy, ox, oy, kx, ky, ch, f, n int)) {
	for n := 0; n < c.batch; n++ {
		for f := 0; f < c.feats; f++ {
			for oy := 0; oy < c.oh; oy++ {
				for ox := 0; ox < c.ow; ox++ {
					for ch := 0; ch < c.depth; ch++ {
						for ky := 0; ky < c.size; ky++ {
							for kx := 0; kx < c.size; kx++ {
								ix := ox*c.stride + kx - c.pad
								iy := oy*c.stride + ky - c.pad
								if ix >= 0 && ix < c.w && iy >= 0 && iy < c.h {
									fn(ix, iy, ox, oy, kx, ky, ch, f, n)
								}
							}
						}
					}
				}
			}
		}
	}
}

func testConv(t *testing.T, p convParams) {
	rng := rand.New(rand.NewSource(42))
	dev := NewCPUDevice()
	q := dev.NewQueue()
	layer := dev.ConvLayer(p.batch, p.depth, p.h, p.w, p.feats, p.size, p.stride, p.pad)
	out := layer.OutShape()
	c := naiveConv{convParams: p, ow: out[0], oh: out[1]}
	t.Logf("conv %+v output %v", p, out)

	W := dev.NewArray(Float32, layer.FilterShape()...)
	B := dev.NewArray(Float32, layer.BiasShape()...)
	dW := dev.NewArrayLike(W)
	dB := dev.NewArrayLike(B)
	src := dev.NewArray(Float32, layer.InShape()...)
	grad := dev.NewArray(Float32, out...)
	wData := randArray(rng, W.Size(), -0.5, 0.5)
	bData := randArray(rng, B.Size(), 0.1, 0.2)
	inData := randArray(rng, src.Size(), 0, 1)
	gradData := randArray(rng, grad.Size(), -1, 1)
	layer.SetParams(W, B, dW, dB)
	layer.SetSrc(src)
	layer.SetDiffDst(grad)
	q.Call(
		Write(W, wData),
		Write(B, bData),
		Write(src, inData),
		Write(grad, gradData),
		Fprop(layer),
		BpropData(layer),
		BpropFilter(layer),
		BpropBias(layer),
	).Finish()

	expOut := make([]float32, Prod(out))
	for n := 0; n < p.batch; n++ {
		for f := 0; f < p.feats; f++ {
			for oy := 0; oy < c.oh; oy++ {
				for ox := 0; ox < c.ow; ox++ {
					expOut[c.out(ox, oy, f, n)] = bData[f]
				}
			}
		}
	}
	expDsrc := make([]float32, src.Size())
	expDW := make([]float32, W.Size())
	expDB := make([]float32, B.Size())
	c.each(func(ix, iy, ox, oy, kx, ky, ch, f, n int) {
		expOut[c.out(ox, oy, f, n)] += wData[c.filt(kx, ky, ch, f)] * inData[c.in(ix, iy, ch, n)]
		expDsrc[c.in(ix, iy, ch, n)] += wData[c.filt(kx, ky, ch, f)] * gradData[c.out(ox, oy, f, n)]
		expDW[c.filt(kx, ky, ch, f)] += gradData[c.out(ox, oy, f, n)] * inData[c.in(ix, iy, ch, n)]
	})
	for i, g := range gradData {
		f := (i / (c.ow * c.oh)) % p.feats
		expDB[f] += g
	}
	compareArrays(t, q, "fprop", layer.Dst(), expOut)
	compareArrays(t, q, "bpropData", layer.DiffSrc(), expDsrc)
	compareArrays(t, q, "bpropFilter", dW, expDW)
	compareArrays(t, q, "bpropBias", dB, expDB)
}

func TestConvLayer(t *testing.T) {
	testConv(t, convParams{batch: 3, depth: 2, h: 6, w: 7, feats: 4, size: 3, stride: 1, pad: 0})
}

func TestConvLayerPadded(t *testing.T) {
	testConv(t, convParams{batch: 2, depth: 3, h: 8, w: 8, feats: 5, size: 5, stride: 1, pad: 2})
}

func TestConvLayerStride(t *testing.T) {
	testConv(t, convParams{batch: 2, depth: 1, h: 9, w: 9, feats: 2, size: 3, stride: 2, pad: 1})
}

func TestConvShape(t *testing.T) {
	dev := NewCPUDevice()
	// first stage of the 48x48 network
	layer := dev.ConvLayer(10, 3, 48, 48, 100, 7, 1, 0)
	test.That(t, layer.OutShape(), test.ShouldResemble, []int{42, 42, 100, 10})
	test.That(t, layer.FilterShape(), test.ShouldResemble, []int{7, 7, 3, 100})
	test.That(t, layer.BiasShape(), test.ShouldResemble, []int{100})
	test.That(t, func() { dev.ConvLayer(1, 1, 4, 4, 1, 5, 1, 0) }, test.ShouldPanic)
}

func TestMaxPoolLayer(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	layer := dev.MaxPoolLayer([]int{4, 4, 1, 2}, 2, 2)
	test.That(t, layer.OutShape(), test.ShouldResemble, []int{2, 2, 1, 2})
	src := dev.NewArray(Float32, 4, 4, 1, 2)
	grad := dev.NewArray(Float32, 2, 2, 1, 2)
	layer.SetSrc(src)
	layer.SetDiffDst(grad)
	q.Call(
		Write(src, []float32{
			1, 2, 3, 4,
			5, 6, 7, 8,
			9, 10, 11, 12,
			13, 14, 15, 16,

			-1, -2, 0, 0,
			-3, -4, 0, 9,
			7, 7, 1, 1,
			7, 7, 1, 2,
		}),
		Write(grad, []float32{1, 2, 3, 4, 5, 6, 7, 8}),
		Fprop(layer),
		BpropData(layer),
	).Finish()
	compareArrays(t, q, "fprop", layer.Dst(), []float32{6, 8, 14, 16, -1, 9, 7, 2})
	compareArrays(t, q, "bprop", layer.DiffSrc(), []float32{
		0, 0, 0, 0,
		0, 1, 0, 2,
		0, 0, 0, 0,
		0, 3, 0, 4,

		5, 0, 0, 0,
		0, 0, 0, 6,
		7, 0, 0, 0,
		0, 0, 0, 8,
	})
}

func TestMaxPoolOdd(t *testing.T) {
	dev := NewCPUDevice()
	// floor mode drops the last row and column
	layer := dev.MaxPoolLayer([]int{21, 21, 150, 4}, 2, 2)
	test.That(t, layer.OutShape(), test.ShouldResemble, []int{10, 10, 150, 4})
	test.That(t, layer.HasParams(), test.ShouldBeFalse)
}

func BenchmarkConv(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	dev := NewCPUDevice()
	q := dev.NewQueue()
	layer := dev.ConvLayer(32, 3, 48, 48, 32, 5, 1, 2)
	W := dev.NewArray(Float32, layer.FilterShape()...)
	B := dev.NewArray(Float32, layer.BiasShape()...)
	src := dev.NewArray(Float32, layer.InShape()...)
	layer.SetParams(W, B, dev.NewArrayLike(W), dev.NewArrayLike(B))
	layer.SetSrc(src)
	q.Call(
		Write(W, randArray(rng, W.Size(), -0.1, 0.1)),
		Write(src, randArray(rng, src.Size(), 0, 1)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Fprop(layer)).Finish()
	}
}
