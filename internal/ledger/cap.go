package ledger

// GainResult reports how much of a requested gain actually applied.
type GainResult struct {
	NewPoints  int
	ActualGain int
	WasCapped  bool
}

// ApplyGain computes the effect of adding delta points to a balance under a
// hard cap. The cap clips the resulting balance; the actual gain is whatever
// fit below it. Pure and deterministic; callers pass delta > 0.
func ApplyGain(current, delta, cap int) GainResult {
	newPoints := current + delta
	if newPoints > cap {
		newPoints = cap
	}
	// A balance already above a (lowered) cap is left untouched rather
	// than clawed back.
	if newPoints < current {
		newPoints = current
	}
	gain := newPoints - current
	return GainResult{
		NewPoints:  newPoints,
		ActualGain: gain,
		WasCapped:  gain < delta,
	}
}

// ApplySpend computes the effect of spending amount points. The cap does not
// apply to spends; the only constraint is that balances never go negative.
// ok is false when the balance cannot cover the spend.
func ApplySpend(current, amount int) (newPoints int, ok bool) {
	if amount > current {
		return current, false
	}
	return current - amount, true
}
