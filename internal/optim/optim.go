// Package optim provides parameter buffers and a stochastic gradient descent
// optimiser.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrConfig is returned for invalid optimiser settings.
var ErrConfig = errors.New("optim: invalid config")

// Param is a named trainable buffer and its gradient. Data and Grad have the
// same length and may back gonum matrices.
type Param struct {
	Name string
	Data []float64
	Grad []float64
}

// NewParam allocates a zeroed parameter of size n.
func NewParam(name string, n int) *Param {
	return &Param{Name: name, Data: make([]float64, n), Grad: make([]float64, n)}
}

// SGD is plain stochastic gradient descent with L2 weight decay and optional
// global-norm gradient clipping.
type SGD struct {
	LR          float64
	WeightDecay float64
	// ClipNorm rescales gradients whose global L2 norm exceeds it; 0 disables.
	ClipNorm float64
}

// NewSGD validates and returns an optimiser.
func NewSGD(lr, weightDecay, clipNorm float64) (*SGD, error) {
	if lr <= 0 || math.IsNaN(lr) {
		return nil, fmt.Errorf("%w: learning rate %v", ErrConfig, lr)
	}
	if weightDecay < 0 || clipNorm < 0 {
		return nil, fmt.Errorf("%w: weight decay %v, clip norm %v", ErrConfig, weightDecay, clipNorm)
	}
	return &SGD{LR: lr, WeightDecay: weightDecay, ClipNorm: clipNorm}, nil
}

// ZeroGrad clears every gradient.
func (o *SGD) ZeroGrad(params []*Param) {
	for _, p := range params {
		clear(p.Grad)
	}
}

// Step applies one update: w -= lr * (g + weightDecay * w).
func (o *SGD) Step(params []*Param) error {
	scale := 1.0
	if o.ClipNorm > 0 {
		norm := GradNorm(params)
		if norm > o.ClipNorm {
			scale = o.ClipNorm / norm
		}
	}
	for _, p := range params {
		if len(p.Data) != len(p.Grad) {
			return fmt.Errorf("optim: param %s has %d values and %d gradients", p.Name, len(p.Data), len(p.Grad))
		}
		if o.WeightDecay > 0 {
			floats.Scale(1-o.LR*o.WeightDecay, p.Data)
		}
		floats.AddScaled(p.Data, -o.LR*scale, p.Grad)
	}
	return nil
}

// GradNorm returns the global L2 norm of all gradients.
func GradNorm(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}
