package num

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Layer interface type represents a DNN layer
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
}

type dnnLayer interface {
	Layer
	fprop()
	bpropData()
	bpropFilter()
	bpropBias()
}

// Forward propagation
func Fprop(layer Layer) Function {
	l := layer.(dnnLayer)
	return newFunction(l.Type()+"_fprop", l.fprop)
}

// Backward propagation
func BpropData(layer Layer) Function {
	l := layer.(dnnLayer)
	return newFunction(l.Type()+"_bprop_data", l.bpropData)
}

func BpropFilter(layer Layer) Function {
	l := layer.(dnnLayer)
	return newFunction(l.Type()+"_bprop_filter", l.bpropFilter)
}

func BpropBias(layer Layer) Function {
	l := layer.(dnnLayer)
	return newFunction(l.Type()+"_bprop_bias", l.bpropBias)
}

type layerBase struct {
	threads  int
	inShape  []int
	outShape []int
	src      Array
	dst      Array
	diffSrc  Array
	diffDst  Array
}

func newLayerBase(d cpuDevice, inShape, outShape []int) layerBase {
	return layerBase{
		threads:  d.threads,
		inShape:  inShape,
		outShape: outShape,
		dst:      d.NewArray(Float32, outShape...),
		diffSrc:  d.NewArray(Float32, inShape...),
	}
}

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.diffSrc }

func (l *layerBase) SetSrc(a Array) {
	if !SameShape(a.Dims(), l.inShape) {
		panic(fmt.Sprintf("SetSrc: input shape %v expecting %v", a.Dims(), l.inShape))
	}
	l.src = a
}

func (l *layerBase) SetDiffDst(a Array) {
	if !SameShape(a.Dims(), l.outShape) {
		panic(fmt.Sprintf("SetDiffDst: gradient shape %v expecting %v", a.Dims(), l.outShape))
	}
	l.diffDst = a
}

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

// convolution layer with im2col buffers for each sample in the batch
type convLayer struct {
	layerBase
	size, stride, pad int
	k, p              int
	w, b, dw, db      Array
	col, dcol         []float32
}

// Create new convolution layer, input is [w, h, depth, nBatch], output is [w', h', nFeats, nBatch].
func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	if stride < 1 {
		stride = 1
	}
	ow := (w+2*pad-size)/stride + 1
	oh := (h+2*pad-size)/stride + 1
	if ow < 1 || oh < 1 {
		panic(fmt.Sprintf("ConvLayer: kernel size %d too large for %dx%d input", size, w, h))
	}
	l := &convLayer{
		layerBase: newLayerBase(d, []int{w, h, depth, nBatch}, []int{ow, oh, nFeats, nBatch}),
		size:      size,
		stride:    stride,
		pad:       pad,
		k:         depth * size * size,
		p:         ow * oh,
	}
	l.col = make([]float32, l.k*l.p*nBatch)
	l.dcol = make([]float32, l.k*l.p*nBatch)
	return l
}

func (l *convLayer) Type() string { return "conv" }

func (l *convLayer) HasParams() bool { return true }

func (l *convLayer) FilterShape() []int {
	return []int{l.size, l.size, l.inShape[2], l.outShape[2]}
}

func (l *convLayer) BiasShape() []int {
	return []int{l.outShape[2]}
}

func (l *convLayer) SetParams(W, B, dW, dB Array) {
	if !SameShape(W.Dims(), l.FilterShape()) || !SameShape(B.Dims(), l.BiasShape()) {
		panic("ConvLayer: invalid parameter shape")
	}
	l.w, l.b, l.dw, l.db = W, B, dW, dB
}

// filter as a row major nFeats x k matrix
func (l *convLayer) filter(a Array) blas32.General {
	return blas32.General{Rows: l.outShape[2], Cols: l.k, Stride: l.k, Data: floats(a)}
}

func (l *convLayer) fprop() {
	nFeats, nBatch := l.outShape[2], l.outShape[3]
	src, dst, bias := floats(l.src), floats(l.dst), floats(l.b)
	insize := Prod(l.inShape[:3])
	W := l.filter(l.w)
	parallel(l.threads, nBatch, func(n int) {
		col := l.col[n*l.k*l.p : (n+1)*l.k*l.p]
		l.im2col(src[n*insize:(n+1)*insize], col)
		out := dst[n*nFeats*l.p : (n+1)*nFeats*l.p]
		for f := 0; f < nFeats; f++ {
			row := out[f*l.p : (f+1)*l.p]
			for i := range row {
				row[i] = bias[f]
			}
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, W,
			blas32.General{Rows: l.k, Cols: l.p, Stride: l.p, Data: col}, 1,
			blas32.General{Rows: nFeats, Cols: l.p, Stride: l.p, Data: out})
	})
}

func (l *convLayer) bpropData() {
	nFeats, nBatch := l.outShape[2], l.outShape[3]
	grad, dsrc := floats(l.diffDst), floats(l.diffSrc)
	insize := Prod(l.inShape[:3])
	W := l.filter(l.w)
	parallel(l.threads, nBatch, func(n int) {
		dcol := l.dcol[n*l.k*l.p : (n+1)*l.k*l.p]
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, W,
			blas32.General{Rows: nFeats, Cols: l.p, Stride: l.p, Data: grad[n*nFeats*l.p : (n+1)*nFeats*l.p]}, 0,
			blas32.General{Rows: l.k, Cols: l.p, Stride: l.p, Data: dcol})
		l.col2im(dcol, dsrc[n*insize:(n+1)*insize])
	})
}

func (l *convLayer) bpropFilter() {
	nFeats, nBatch := l.outShape[2], l.outShape[3]
	grad := floats(l.diffDst)
	dW := l.filter(l.dw)
	for n := 0; n < nBatch; n++ {
		beta := float32(1)
		if n == 0 {
			beta = 0
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: nFeats, Cols: l.p, Stride: l.p, Data: grad[n*nFeats*l.p : (n+1)*nFeats*l.p]},
			blas32.General{Rows: l.k, Cols: l.p, Stride: l.p, Data: l.col[n*l.k*l.p : (n+1)*l.k*l.p]},
			beta, dW)
	}
}

func (l *convLayer) bpropBias() {
	nFeats, nBatch := l.outShape[2], l.outShape[3]
	grad, db := floats(l.diffDst), floats(l.db)
	for f := range db {
		db[f] = 0
	}
	for n := 0; n < nBatch; n++ {
		for f := 0; f < nFeats; f++ {
			var sum float32
			for _, v := range grad[(n*nFeats+f)*l.p : (n*nFeats+f+1)*l.p] {
				sum += v
			}
			db[f] += sum
		}
	}
}

// unpack input patches to k x p matrix
func (l *convLayer) im2col(in, col []float32) {
	w, h, depth := l.inShape[0], l.inShape[1], l.inShape[2]
	ow, oh := l.outShape[0], l.outShape[1]
	for c := 0; c < depth; c++ {
		plane := in[c*w*h : (c+1)*w*h]
		for ky := 0; ky < l.size; ky++ {
			for kx := 0; kx < l.size; kx++ {
				row := col[((c*l.size+ky)*l.size+kx)*l.p:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*l.stride + ky - l.pad
					for ox := 0; ox < ow; ox++ {
						ix := ox*l.stride + kx - l.pad
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							row[oy*ow+ox] = 0
						} else {
							row[oy*ow+ox] = plane[iy*w+ix]
						}
					}
				}
			}
		}
	}
}

// accumulate k x p patch gradients back to the input image
func (l *convLayer) col2im(col, out []float32) {
	w, h, depth := l.inShape[0], l.inShape[1], l.inShape[2]
	ow, oh := l.outShape[0], l.outShape[1]
	for i := range out {
		out[i] = 0
	}
	for c := 0; c < depth; c++ {
		plane := out[c*w*h : (c+1)*w*h]
		for ky := 0; ky < l.size; ky++ {
			for kx := 0; kx < l.size; kx++ {
				row := col[((c*l.size+ky)*l.size+kx)*l.p:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*l.stride + ky - l.pad
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*l.stride + kx - l.pad
						if ix >= 0 && ix < w {
							plane[iy*w+ix] += row[oy*ow+ox]
						}
					}
				}
			}
		}
	}
}

// max pooling layer which records the position of the maximum for the backward pass
type poolLayer struct {
	layerBase
	size, stride int
	index        []int32
}

// Create new max pooling layer, input is [w, h, depth, nBatch].
func (d cpuDevice) MaxPoolLayer(inShape []int, size, stride int) Layer {
	if len(inShape) != 4 {
		panic("MaxPoolLayer: expect 4 dimensional input")
	}
	if stride < 1 {
		stride = size
	}
	ow := (inShape[0]-size)/stride + 1
	oh := (inShape[1]-size)/stride + 1
	if ow < 1 || oh < 1 {
		panic(fmt.Sprintf("MaxPoolLayer: pool size %d too large for %v input", size, inShape))
	}
	outShape := []int{ow, oh, inShape[2], inShape[3]}
	l := &poolLayer{
		layerBase: newLayerBase(d, append([]int{}, inShape...), outShape),
		size:      size,
		stride:    stride,
		index:     make([]int32, Prod(outShape)),
	}
	return l
}

func (l *poolLayer) Type() string { return "maxPool" }

func (l *poolLayer) HasParams() bool { return false }

func (l *poolLayer) FilterShape() []int { return nil }

func (l *poolLayer) BiasShape() []int { return nil }

func (l *poolLayer) SetParams(W, B, dW, dB Array) {}

func (l *poolLayer) fprop() {
	w, h := l.inShape[0], l.inShape[1]
	ow, oh := l.outShape[0], l.outShape[1]
	planes := l.outShape[2] * l.outShape[3]
	src, dst := floats(l.src), floats(l.dst)
	parallel(l.threads, planes, func(pl int) {
		in := src[pl*w*h : (pl+1)*w*h]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := (oy*l.stride)*w + ox*l.stride
				for ky := 0; ky < l.size; ky++ {
					for kx := 0; kx < l.size; kx++ {
						pos := (oy*l.stride+ky)*w + ox*l.stride + kx
						if in[pos] > in[best] {
							best = pos
						}
					}
				}
				out := pl*ow*oh + oy*ow + ox
				dst[out] = in[best]
				l.index[out] = int32(pl*w*h + best)
			}
		}
	})
}

func (l *poolLayer) bpropData() {
	grad, dsrc := floats(l.diffDst), floats(l.diffSrc)
	for i := range dsrc {
		dsrc[i] = 0
	}
	for i, ix := range l.index {
		dsrc[ix] += grad[i]
	}
}

func (l *poolLayer) bpropFilter() {}

func (l *poolLayer) bpropBias() {}
