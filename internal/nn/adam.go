package nn

import "math"

// Adam is the Adam optimizer. Moment estimates are kept per parameter, so one
// optimizer must not be shared between networks.
type Adam struct {
	Beta1, Beta2, Eps float64

	t    int
	m, v map[*Param][]float64
}

// NewAdam returns an optimizer with the usual defaults.
func NewAdam() *Adam {
	return &Adam{
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-7,
		m:     make(map[*Param][]float64),
		v:     make(map[*Param][]float64),
	}
}

// Step applies one update with learning rate lr. grads is aligned with
// params.
func (a *Adam) Step(params []*Param, grads [][]float64, lr float64) {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			a.m[p] = m
		}
		v, ok := a.v[p]
		if !ok {
			v = make([]float64, len(p.Value))
			a.v[p] = v
		}

		for j, g := range grads[i] {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			p.Value[j] -= lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.Eps)
		}
	}
}

// Steps reports how many updates have been applied.
func (a *Adam) Steps() int { return a.t }
