package stats

import (
	"testing"

	"go.viam.com/test"
)

func TestAverage(t *testing.T) {
	var s Average
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(v)
	}
	test.That(t, s.Count, test.ShouldEqual, 8.0)
	test.That(t, s.Mean, test.ShouldAlmostEqual, 5.0, 1e-12)
	test.That(t, s.StdDev, test.ShouldAlmostEqual, 2.13808994, 1e-8)
	test.That(t, string(s.HTML()), test.ShouldEqual, "5.00&PlusMinus;2.14")
}

func TestEMA(t *testing.T) {
	var e EMA
	e = EMA(e.Add(1, 3))
	test.That(t, float64(e), test.ShouldEqual, 1.0)
	e = EMA(e.Add(3, 3))
	test.That(t, float64(e), test.ShouldEqual, 2.0)
}

func TestHistory(t *testing.T) {
	var h History
	epoch, _ := h.Best()
	test.That(t, epoch, test.ShouldEqual, 0)
	h.Add(2, 1.5)
	h.Add(1, 0.5)
	h.Add(0.5, 0.5)
	test.That(t, h.Len(), test.ShouldEqual, 3)
	test.That(t, h.Smooth[0], test.ShouldEqual, 2.0)
	test.That(t, h.Smooth[1], test.ShouldAlmostEqual, 2.0-1.0/3, 1e-12)
	epoch, loss := h.Best()
	test.That(t, epoch, test.ShouldEqual, 2)
	test.That(t, loss, test.ShouldEqual, 0.5)
}
