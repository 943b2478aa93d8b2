package training

import "math"

// BestLoss is the lowest mean training loss seen so far, or unset before the
// first finite epoch. The zero value is unset.
type BestLoss struct {
	value float64
	set   bool
}

// BestLossFrom restores a gate from a checkpoint value; nil means unset.
func BestLossFrom(v *float64) BestLoss {
	if v == nil {
		return BestLoss{}
	}
	return BestLoss{value: *v, set: true}
}

// Value returns the best loss and whether one has been recorded.
func (b BestLoss) Value() (float64, bool) {
	return b.value, b.set
}

// Ptr returns the best loss as a checkpoint value; nil when unset.
func (b BestLoss) Ptr() *float64 {
	if !b.set {
		return nil
	}
	v := b.value
	return &v
}

// Improves reports whether loss is strictly below the best so far. An unset
// best behaves as +Inf; a non-finite loss never improves.
func (b BestLoss) Improves(loss float64) bool {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return false
	}
	return !b.set || loss < b.value
}

// Observe records loss if it improves and reports whether it did.
func (b *BestLoss) Observe(loss float64) bool {
	if !b.Improves(loss) {
		return false
	}
	b.value, b.set = loss, true
	return true
}

func (b BestLoss) String() string {
	if !b.set {
		return "none"
	}
	return formatLoss(b.value)
}
