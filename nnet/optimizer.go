package nnet

import (
	"github.com/jnb666/mcdnn/num"
)

// Optimizer holds the settings for the weight update rule. Call Next before each set of updates.
type Optimizer struct {
	Type      string
	Eta       float32
	Beta1     float32
	Beta2     float32
	Epsilon   float32
	Decay     float32
	GradScale float32
	Step      int
}

// NewOptimizer returns Adam or SGD updates per the config. Gradients are scaled by 1/batchSize unless GradScale is changed.
func NewOptimizer(conf Config, batchSize int) *Optimizer {
	return &Optimizer{
		Type:      conf.Optimizer,
		Eta:       float32(conf.Eta),
		Beta1:     float32(conf.Beta1),
		Beta2:     float32(conf.Beta2),
		Epsilon:   float32(conf.Epsilon),
		Decay:     float32(conf.Lambda),
		GradScale: 1 / float32(batchSize),
	}
}

// Next increments the step count used for the Adam bias correction
func (o *Optimizer) Next() {
	o.Step++
}

// Update returns a function to apply the gradient dw to w, m and v are only used by Adam.
func (o *Optimizer) Update(w, dw, m, v num.Array) num.Function {
	if o.Type == "adam" {
		return num.AdamUpdate(w, dw, m, v, o.Eta, o.Beta1, o.Beta2, o.Epsilon, o.GradScale, o.Decay, max(o.Step, 1))
	}
	return num.SGDUpdate(w, dw, o.Eta, o.GradScale, o.Decay)
}
