package model

// SGD is stochastic gradient descent with classical momentum:
// buf = grad on the first step, buf = momentum*buf + grad afterwards, and
// value -= lr*buf.
type SGD struct {
	lr       float64
	momentum float64
	bufs     map[*Param][]float64
}

// NewSGD creates the optimizer with its initial learning rate.
func NewSGD(lr, momentum float64) *SGD {
	return &SGD{lr: lr, momentum: momentum, bufs: make(map[*Param][]float64)}
}

// LR returns the current learning rate.
func (o *SGD) LR() float64 { return o.lr }

// SetLR replaces the learning rate used by subsequent steps.
func (o *SGD) SetLR(lr float64) { o.lr = lr }

// Step updates every parameter in place from its gradient.
func (o *SGD) Step(params []*Param) {
	for _, p := range params {
		grad := p.Grad.Data
		step := grad
		if o.momentum != 0 {
			buf, ok := o.bufs[p]
			if !ok {
				buf = append([]float64(nil), grad...)
				o.bufs[p] = buf
			} else {
				for i, g := range grad {
					buf[i] = o.momentum*buf[i] + g
				}
			}
			step = buf
		}
		value := p.Value.Data
		for i, s := range step {
			value[i] -= o.lr * s
		}
	}
}
