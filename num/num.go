// Package num contains numeric Array processing routines such as optimised matrix multiplication.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

func (t DataType) String() string {
	if t == Int32 {
		return "int32"
	}
	return "float32"
}

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

// minimum probability used when taking the log in the loss function
const minProb = 1e-38

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return newFunction("read", func() {
		switch d := data.(type) {
		case []float32:
			copy(d, floats(a))
		case []int32:
			copy(d, ints(a))
		default:
			panic(fmt.Sprintf("Read: invalid slice type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return newFunction("write", func() {
		switch d := data.(type) {
		case []float32:
			copy(floats(a), d)
		case []int32:
			copy(ints(a), d)
		default:
			panic(fmt.Sprintf("Write: invalid slice type %T", data))
		}
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return newFunction("fill", func() {
		if a.Dtype() == Int32 {
			buf := ints(a)
			for i := range buf {
				buf[i] = int32(scalar)
			}
			return
		}
		buf := floats(a)
		for i := range buf {
			buf[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) {
		return newFunction("copy", func() {
			if src.Dtype() == Int32 {
				copy(ints(dst), ints(src))
			} else {
				copy(floats(dst), floats(src))
			}
		})
	}
	if src.Dtype() != Float32 {
		panic("Copy: can only tile float32 arrays")
	}
	if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] {
		return tile1(dst, src, ddim[0], ddim[1])
	} else if len(sdim) == 2 && sdim[0] == 1 && len(ddim) == 2 && sdim[1] == ddim[1] {
		return tile1(dst, src, ddim[0], ddim[1])
	} else if len(sdim) == 2 && sdim[1] == 1 && len(ddim) == 2 && sdim[0] == ddim[0] {
		return newFunction("tile0", func() {
			s, d := floats(src), floats(dst)
			for col := 0; col < ddim[1]; col++ {
				copy(d[col*ddim[0]:(col+1)*ddim[0]], s)
			}
		})
	}
	panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
}

// each column of dst is set to the corresponding element of src
func tile1(dst, src Array, rows, cols int) Function {
	return newFunction("tile1", func() {
		s, d := floats(src), floats(dst)
		for col := 0; col < cols; col++ {
			for row := 0; row < rows; row++ {
				d[col*rows+row] = s[col]
			}
		}
	})
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return newFunction("neq", func() {
		xv, yv, rv := ints(x), ints(y), ints(res)
		for i := range rv {
			if xv[i] != yv[i] {
				rv[i] = 1
			} else {
				rv[i] = 0
			}
		}
	})
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	return newFunction("onehot", func() {
		xv, yv := ints(x), floats(y)
		for i := range yv {
			yv[i] = 0
		}
		for col, label := range xv {
			if label >= 0 && int(label) < classes {
				yv[col*classes+int(label)] = 1
			}
		}
	})
}

// Convert from OneHot format back to labels: returns the index of the maximum value in each column.
// Where there is a tie the lowest index wins.
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	return newFunction("unhot", func() {
		xv, yv := floats(x), ints(y)
		rows := xdim[0]
		for col := range yv {
			yv[col] = int32(argmax(xv[col*rows : (col+1)*rows]))
		}
	})
}

func argmax(v []float32) int {
	best := 0
	for i, val := range v {
		if val > v[best] {
			best = i
		}
	}
	return best
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return newFunction("scale", func() {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if !SameShape(x.Dims(), y.Dims()) {
		panic("Axpy: arrays must be same shape")
	}
	return newFunction("axpy", func() {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if len(total.Dims()) != 0 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return newFunction("sum", func() {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range ints(a) {
				sum += float64(v)
			}
		} else {
			for _, v := range floats(a) {
				sum += float64(v)
			}
		}
		floats(total)[0] = float32(sum) * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	// row major view of column major matrix is the transpose
	t := blas.Trans
	if aTrans == Trans {
		t = blas.NoTrans
	}
	return newFunction("gemv", func() {
		blas32.Gemv(t, alpha, general(mA), vector(x), beta, vector(y))
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	// C' = op(B)' * op(A)' using row major views of the column major data
	return newFunction("gemm", func() {
		blas32.Gemm(blasTrans(bTrans), blasTrans(aTrans), alpha, general(mB), general(mA), beta, general(mC))
	})
}

func blasTrans(t TransType) blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// row major view of a column major matrix
func general(a Array) blas32.General {
	dims := a.Dims()
	return blas32.General{Rows: dims[1], Cols: dims[0], Stride: dims[0], Data: floats(a)}
}

func vector(a Array) blas32.Vector {
	data := floats(a)
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, sigmoid)
}

func SigmoidD(x, grad, y Array) Function {
	return binaryFunc("sigmoid_d", x, grad, y, func(x, g float32) float32 {
		s := sigmoid(x)
		return g * s * (1 - s)
	})
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func TanhD(x, grad, y Array) Function {
	return binaryFunc("tanh_d", x, grad, y, func(x, g float32) float32 {
		t := float32(math.Tanh(float64(x)))
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Quadratic loss function: (x-y)**2
func QuadraticLoss(x, y, res Array) Function {
	return binaryFunc("quad_loss", x, y, res, func(x, y float32) float32 {
		return (x - y) * (x - y)
	})
}

// Softmax activation function, applied to each column
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	rows := xdim[0]
	return newFunction("softmax", func() {
		xv, rv := floats(x), floats(res)
		for col := 0; col < xdim[1]; col++ {
			in, out := xv[col*rows:(col+1)*rows], rv[col*rows:(col+1)*rows]
			xmax := in[0]
			for _, v := range in {
				if v > xmax {
					xmax = v
				}
			}
			sum := 0.0
			for i, v := range in {
				e := math.Exp(float64(v - xmax))
				out[i] = float32(e)
				sum += e
			}
			for i := range out {
				out[i] = float32(float64(out[i]) / sum)
			}
		}
	})
}

// Softmax cross entropy loss function: -x*log(y) where x is the one hot target and y the softmax output
func SoftmaxLoss(x, y, res Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("SoftmaxLoss: dtype must by Float32")
	}
	xdim, ydim, rdim := x.Dims(), y.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, ydim) || !SameShape(xdim, rdim) {
		panic("SoftmaxLoss: arrays must be 2d and same shape")
	}
	return binaryFunc("softmax_loss", x, y, res, func(x, y float32) float32 {
		if x == 0 {
			return 0
		}
		return float32(-float64(x) * math.Log(math.Max(float64(y), minProb)))
	})
}

// Adam optimiser update step t (starting at 1) for weights w given the gradient dw.
// The gradient is multiplied by gradScale and weight decay*w is added before the moments m and v are updated.
func AdamUpdate(w, dw, m, v Array, eta, beta1, beta2, epsilon, gradScale, decay float32, t int) Function {
	for _, a := range []Array{dw, m, v} {
		if !SameShape(w.Dims(), a.Dims()) {
			panic("AdamUpdate: arrays must be same shape")
		}
	}
	bc1 := 1 - math.Pow(float64(beta1), float64(t))
	bc2 := 1 - math.Pow(float64(beta2), float64(t))
	return newFunction("adam", func() {
		wv, dv, mv, vv := floats(w), floats(dw), floats(m), floats(v)
		for i := range wv {
			g := dv[i]*gradScale + decay*wv[i]
			mv[i] = beta1*mv[i] + (1-beta1)*g
			vv[i] = beta2*vv[i] + (1-beta2)*g*g
			mhat := float64(mv[i]) / bc1
			vhat := float64(vv[i]) / bc2
			wv[i] -= float32(float64(eta) * mhat / (math.Sqrt(vhat) + float64(epsilon)))
		}
	})
}

// Stochastic gradient descent update: w <- w - eta*(gradScale*dw + decay*w)
func SGDUpdate(w, dw Array, eta, gradScale, decay float32) Function {
	if !SameShape(w.Dims(), dw.Dims()) {
		panic("SGDUpdate: arrays must be same shape")
	}
	return newFunction("sgd", func() {
		wv, dv := floats(w), floats(dw)
		for i := range wv {
			wv[i] -= eta * (gradScale*dv[i] + decay*wv[i])
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if !SameShape(x.Dims(), y.Dims()) {
		panic("UnaryFunc: arrays must be same shape")
	}
	return newFunction(name, func() {
		xv, yv := floats(x), floats(y)
		for i, v := range xv {
			yv[i] = fn(v)
		}
	})
}

func binaryFunc(name string, x, y, z Array, fn func(float32, float32) float32) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if !SameShape(x.Dims(), z.Dims()) || !SameShape(y.Dims(), z.Dims()) {
		panic("BinaryFunc: arrays must be same shape")
	}
	return newFunction(name, func() {
		xv, yv, zv := floats(x), floats(y), floats(z)
		for i := range zv {
			zv[i] = fn(xv[i], yv[i])
		}
	})
}
