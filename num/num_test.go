package num

import (
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 6)
	test.That(t, x.Dtype(), test.ShouldEqual, Float32)
	x = x.Reshape(2, 3)
	test.That(t, x.Dims(), test.ShouldResemble, []int{2, 3})
	test.That(t, x.Reshape(-1, 1).Dims(), test.ShouldResemble, []int{6, 1})
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, xd)
	test.That(t, func() { x.Reshape(4, 2) }, test.ShouldPanic)
}

func TestCols(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	c := Cols(x, 1, 3)
	test.That(t, c.Dims(), test.ShouldResemble, []int{2, 2})
	res := make([]float32, 4)
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Read(c, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{3, 4, 5, 6})
	all := make([]float32, 6)
	q.Call(
		Fill(Cols(x, 2, 3), 0),
		Read(x, all),
	).Finish()
	test.That(t, all, test.ShouldResemble, []float32{1, 2, 3, 4, 0, 0})
	test.That(t, func() { Cols(x, 2, 4) }, test.ShouldPanic)
}

func TestQueueBuffer(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 1)
	for i := 0; i < 3*QueueSize; i++ {
		if i == 0 {
			q.Call(Fill(x, 1))
		} else {
			q.Call(Scale(2, x))
		}
	}
	res := make([]float32, 1)
	q.Call(Read(x, res)).Finish()
	test.That(t, res[0], test.ShouldEqual, float32(1<<(3*QueueSize-1)))
}

func TestCopy(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	// tile columns
	y := dev.NewArray(Float32, 2, 1)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{1, 2}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{1, 2, 1, 2, 1, 2})
	// tile rows
	y = dev.NewArray(Float32, 3)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{3, 3, 2, 2, 1, 1})
}

func TestOnehot(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	y := dev.NewArray(Int32, 4)
	y1h := dev.NewArray(Float32, 3, 4)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y.String(q), y1h.String(q))
	test.That(t, res, test.ShouldResemble, []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1})
	res2 := make([]int32, 4)
	q.Call(
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	test.That(t, res2, test.ShouldResemble, vec)
}

func TestUnhotTies(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 3, 4)
	y := dev.NewArray(Int32, 4)
	res := make([]int32, 4)
	q.Call(
		Write(x, []float32{
			0, 5, 1, // unique max
			1, 3, 3, // tie between 1 and 2
			2, 2, 2, // all equal
			-1, -3, -1, // negative tie
		}),
		Unhot(x, y),
		Read(y, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []int32{1, 1, 0, 0})
}

func TestAxpy(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5})
	q.Call(
		Scale(0.5, y),
		Read(y, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{1.25, 1.25, 2.25, 2.25, 3.25, 3.25})
}

func TestSum(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	sum := dev.NewArray(Float32)
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	test.That(t, res[0], test.ShouldAlmostEqual, 3.5, 1e-6)
	// sum for each column
	sum = dev.NewArray(Float32, 3)
	res = make([]float32, 3)
	ones := dev.NewArray(Float32, 2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, Trans),
		Read(sum, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{3, 7, 11})
	// sum for each row
	sum = dev.NewArray(Float32, 2)
	ones = dev.NewArray(Float32, 3)
	res = make([]float32, 2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, NoTrans),
		Read(sum, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{9, 12})
}

func TestGemm(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	z := dev.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		} else {
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		test.That(t, res, test.ShouldResemble, []float32{58, 139, 64, 154})
	}
	// transposed first argument: x' * x
	xx := dev.NewArray(Float32, 3, 3)
	res = make([]float32, 9)
	q.Call(
		Gemm(1, 0, x, x, xx, Trans, NoTrans),
		Read(xx, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{17, 22, 27, 22, 29, 36, 27, 36, 45})
}

func TestActivation(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 4)
	y := dev.NewArray(Float32, 4)
	g := dev.NewArray(Float32, 4)
	res := make([]float32, 4)
	q.Call(
		Write(x, []float32{-2, -0.5, 0.5, 2}),
		Relu(x, y),
		Read(y, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{0, 0, 0.5, 2})
	q.Call(
		Fill(g, 3),
		ReluD(x, g, y),
		Read(y, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{0, 0, 3, 3})
	q.Call(
		Sigmoid(x, y),
		Read(y, res),
	).Finish()
	test.That(t, res[0]+res[3], test.ShouldAlmostEqual, 1, 1e-6)
}

func TestSoftmax(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 3, 2)
	y := dev.NewArray(Float32, 3, 2)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 2, 3, 1000, 1000, 1000}),
		Softmax(x, y),
		Read(y, res),
	).Finish()
	test.That(t, res[0]+res[1]+res[2], test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, res[2], test.ShouldAlmostEqual, 0.66524, 1e-4)
	for _, v := range res[3:] {
		test.That(t, v, test.ShouldAlmostEqual, 1.0/3, 1e-6)
	}
}

func TestSoftmaxLossZero(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 1)
	y1h := dev.NewArray(Float32, 2, 1)
	pred := dev.NewArray(Float32, 2, 1)
	loss := dev.NewArray(Float32, 2, 1)
	total := dev.NewArray(Float32)
	res := make([]float32, 1)
	// saturated softmax gives a loss of exactly zero
	q.Call(
		Write(x, []float32{100, -100}),
		Write(y1h, []float32{1, 0}),
		Softmax(x, pred),
		SoftmaxLoss(y1h, pred, loss),
		Sum(loss, total, 1),
		Read(total, res),
	).Finish()
	test.That(t, res[0], test.ShouldEqual, float32(0))
	// wrong class with underflow is finite
	q.Call(
		Write(y1h, []float32{0, 1}),
		SoftmaxLoss(y1h, pred, loss),
		Sum(loss, total, 1),
		Read(total, res),
	).Finish()
	test.That(t, res[0], test.ShouldBeGreaterThan, float32(80))
	test.That(t, res[0], test.ShouldBeLessThan, float32(200))
}

func TestAdam(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	m := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	res := make([]float32, 2)
	// first step moves each weight by eta against the sign of the gradient
	q.Call(
		Write(w, []float32{1, 1}),
		Write(dw, []float32{4, -0.5}),
		AdamUpdate(w, dw, m, v, 0.001, 0.9, 0.999, 1e-8, 1, 0, 1),
		Read(w, res),
	).Finish()
	test.That(t, res[0], test.ShouldAlmostEqual, 0.999, 1e-6)
	test.That(t, res[1], test.ShouldAlmostEqual, 1.001, 1e-6)
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(Float32, size, size)
	y := dev.NewArray(Float32, size, size)
	z := dev.NewArray(Float32, size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}

func TestSGD(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	res := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, 2}),
		Write(dw, []float32{4, -8}),
		SGDUpdate(w, dw, 0.5, 0.25, 0),
		Read(w, res),
	).Finish()
	test.That(t, res, test.ShouldResemble, []float32{0.5, 3})
}
