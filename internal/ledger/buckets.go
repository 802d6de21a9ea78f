package ledger

// BucketBreakdown records how a deduction was split across credit buckets.
type BucketBreakdown struct {
	CarryOver float64 // Credits taken from the carry-over bucket.
	BasePlan  float64 // Credits taken from the base-plan bucket.
	Bonus     float64 // Credits taken from the derived bonus remainder.
}

// Total returns the summed deduction across all buckets.
func (b BucketBreakdown) Total() float64 {
	return b.CarryOver + b.BasePlan + b.Bonus
}

// DeriveBonus returns the bonus remainder for the given counters. The bonus
// bucket is never stored; it is always balance minus the tracked buckets,
// clamped at zero so stale counters cannot produce a negative bucket.
func DeriveBonus(balance, carryOver, basePlan float64) float64 {
	bonus := balance - carryOver - basePlan
	if bonus < 0 {
		return 0
	}
	return bonus
}

// SplitDeduction consumes buckets in carry-over, base-plan, bonus order and
// returns how much each bucket contributed. The split is pure arithmetic on
// the supplied counters; callers are responsible for having verified that
// amount does not exceed the total balance.
func SplitDeduction(carryOver, basePlan, bonus, amount float64) BucketBreakdown {
	if amount <= 0 {
		return BucketBreakdown{}
	}

	var split BucketBreakdown
	remaining := amount

	if carryOver > 0 {
		split.CarryOver = carryOver
		if split.CarryOver > remaining {
			split.CarryOver = remaining
		}
		remaining -= split.CarryOver
	}
	if remaining > 0 && basePlan > 0 {
		split.BasePlan = basePlan
		if split.BasePlan > remaining {
			split.BasePlan = remaining
		}
		remaining -= split.BasePlan
	}
	if remaining > 0 {
		split.Bonus = remaining
	}
	return split
}
