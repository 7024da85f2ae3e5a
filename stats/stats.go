// Package stats has running statistics used to summarise training progress.
package stats

import (
	"fmt"
	"html/template"
	"math"
)

// Calc exponentional moving average
type EMA float64

// Add returns the new average after including val with a smoothing window of n samples
func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.Mean, s.Var = x, 0
		return
	}
	prev := s.Mean
	s.Mean += (x - prev) / s.Count
	s.Var += (x - prev) * (x - s.Mean)
	s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
}

func (s *Average) HTML() template.HTML {
	prec := 2
	if s.Mean > 10 {
		prec = 1
	}
	if s.StdDev < math.Pow(10, -float64(prec)) {
		return template.HTML(fmt.Sprintf("%.*f", prec, s.Mean))
	}
	return template.HTML(fmt.Sprintf("%.*f&PlusMinus;%.*f", prec, s.Mean, prec, s.StdDev))
}

// History records the training and validation loss at the end of each epoch
type History struct {
	Train  []float64
	Valid  []float64
	Smooth []float64
	Window float64
	ema    EMA
}

// Add values for the next epoch, Smooth holds the moving average of the training loss
func (h *History) Add(train, valid float64) {
	if h.Window == 0 {
		h.Window = 5
	}
	h.ema = EMA(h.ema.Add(train, h.Window))
	h.Train = append(h.Train, train)
	h.Valid = append(h.Valid, valid)
	h.Smooth = append(h.Smooth, float64(h.ema))
}

// Len returns the number of epochs recorded
func (h *History) Len() int { return len(h.Train) }

// Best returns the epoch (starting at 1) with the lowest validation loss
func (h *History) Best() (epoch int, loss float64) {
	for i, v := range h.Valid {
		if epoch == 0 || v < loss {
			epoch, loss = i+1, v
		}
	}
	return epoch, loss
}
