package trainer

// Policy scales the learning rate at the start of every epoch.
type Policy interface {
	Multiplier(epoch int) float64
}

// StepDecay multiplies the rate by Factor on every epoch divisible by Every,
// including epoch 0.
type StepDecay struct {
	Every  int
	Factor float64
}

func (s StepDecay) Multiplier(epoch int) float64 {
	if s.Every > 0 && epoch%s.Every == 0 {
		return s.Factor
	}
	return 1
}

// Constant keeps the rate unchanged.
type Constant struct{}

func (Constant) Multiplier(int) float64 { return 1 }
