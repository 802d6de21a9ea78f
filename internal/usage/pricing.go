package usage

import "github.com/makerstack/creditledger/internal/settings"

// bytesPerGiB converts bandwidth byte counters to the GiB pricing unit.
const bytesPerGiB = float64(1 << 30)

// PriceTable holds the per-unit credit rates used to convert raw resource
// consumption into fractional credit cost. Storage sizes are deliberately
// absent: storage is billed on the peak snapshot per period, not per event.
type PriceTable struct {
	FunctionCallCredits            float64 // Credits per billable function call.
	ActionComputeCreditsPerMs      float64 // Credits per action compute millisecond.
	DatabaseBandwidthCreditsPerGiB float64 // Credits per GiB of database bandwidth.
	FileBandwidthCreditsPerGiB     float64 // Credits per GiB of file bandwidth.
	VectorBandwidthCreditsPerGiB   float64 // Credits per GiB of vector bandwidth.
}

// CurrentPriceTable resolves the active rates, applying any settings
// overrides on top of the built-in defaults.
func CurrentPriceTable() PriceTable {
	return PriceTable{
		FunctionCallCredits:            settings.PricingFunctionCallCredits(),
		ActionComputeCreditsPerMs:      settings.PricingActionComputeCreditsPerMs(),
		DatabaseBandwidthCreditsPerGiB: settings.PricingDatabaseBandwidthCreditsPerGiB(),
		FileBandwidthCreditsPerGiB:     settings.PricingFileBandwidthCreditsPerGiB(),
		VectorBandwidthCreditsPerGiB:   settings.PricingVectorBandwidthCreditsPerGiB(),
	}
}

// Cost converts one function execution event into unrounded fractional
// credits. Cached queries pay no per-call price but their bandwidth and
// compute still cost; compute time is only billed for actions. Rounding here
// would bias thousands of sub-credit events in one direction, so the result
// is accumulated as-is and rounded once at sync time.
func (p PriceTable) Cost(ev Event) float64 {
	if ev.Kind != EventKindFunctionExecution {
		return 0
	}

	var cost float64
	if !ev.IsCachedQuery {
		cost += p.FunctionCallCredits
	}
	if ev.IsAction && ev.ComputeMs > 0 {
		cost += float64(ev.ComputeMs) * p.ActionComputeCreditsPerMs
	}
	if databaseBytes := ev.DatabaseReadBytes + ev.DatabaseWriteBytes; databaseBytes > 0 {
		cost += float64(databaseBytes) / bytesPerGiB * p.DatabaseBandwidthCreditsPerGiB
	}
	if fileBytes := ev.FileReadBytes + ev.FileWriteBytes; fileBytes > 0 {
		cost += float64(fileBytes) / bytesPerGiB * p.FileBandwidthCreditsPerGiB
	}
	if vectorBytes := ev.VectorReadBytes + ev.VectorWriteBytes; vectorBytes > 0 {
		cost += float64(vectorBytes) / bytesPerGiB * p.VectorBandwidthCreditsPerGiB
	}
	return cost
}
