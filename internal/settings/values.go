package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// MinimumReserveCredits returns the balance floor deductions must preserve.
func MinimumReserveCredits() float64 {
	value := float64(DefaultMinimumReserveCredits)
	if raw, ok := DBConfigValue(MinimumReserveCreditsKey); ok {
		if parsed, okParse := parseConfigFloat(raw); okParse && parsed >= 0 {
			value = parsed
		}
	}
	return value
}

// MeteringSyncInterval returns how often accumulated usage is synced out.
func MeteringSyncInterval() time.Duration {
	seconds := DefaultMeteringSyncIntervalSeconds
	if raw, ok := DBConfigValue(MeteringSyncIntervalSecondsKey); ok {
		if parsed, okParse := parseConfigInt(raw); okParse && parsed > 0 {
			seconds = parsed
		}
	}
	return time.Duration(seconds) * time.Second
}

// ReplenishScanInterval returns how often the auto top-up scan runs.
func ReplenishScanInterval() time.Duration {
	seconds := DefaultReplenishScanIntervalSeconds
	if raw, ok := DBConfigValue(ReplenishScanIntervalSecondsKey); ok {
		if parsed, okParse := parseConfigInt(raw); okParse && parsed > 0 {
			seconds = parsed
		}
	}
	return time.Duration(seconds) * time.Second
}

// ReplenishMaxConcurrency returns the top-up fan-out limit per scan.
func ReplenishMaxConcurrency() int {
	value := DefaultReplenishMaxConcurrency
	if raw, ok := DBConfigValue(ReplenishMaxConcurrencyKey); ok {
		if parsed, okParse := parseConfigInt(raw); okParse && parsed > 0 {
			value = parsed
		}
	}
	if value > maxReplenishConcurrency {
		value = maxReplenishConcurrency
	}
	return value
}

// UsageEventRetentionDays returns how long raw usage event rows are kept.
func UsageEventRetentionDays() int {
	value := DefaultUsageEventRetentionDays
	if raw, ok := DBConfigValue(UsageEventRetentionDaysKey); ok {
		if parsed, okParse := parseConfigInt(raw); okParse && parsed > 0 {
			value = parsed
		}
	}
	return value
}

// SignupBonusCredits returns the one-time signup grant amount.
func SignupBonusCredits() float64 {
	value := float64(DefaultSignupBonusCredits)
	if raw, ok := DBConfigValue(SignupBonusCreditsKey); ok {
		if parsed, okParse := parseConfigFloat(raw); okParse && parsed >= 0 {
			value = parsed
		}
	}
	return value
}

// FirstDeployBonusCredits returns the one-time first deploy grant amount.
func FirstDeployBonusCredits() float64 {
	value := float64(DefaultFirstDeployBonusCredits)
	if raw, ok := DBConfigValue(FirstDeployBonusCreditsKey); ok {
		if parsed, okParse := parseConfigFloat(raw); okParse && parsed >= 0 {
			value = parsed
		}
	}
	return value
}

// PricingFunctionCallCredits returns the credit price of one billable call.
func PricingFunctionCallCredits() float64 {
	return pricingValue(PricingFunctionCallCreditsKey, DefaultPricingFunctionCallCredits)
}

// PricingActionComputeCreditsPerMs returns the credit price of one action
// compute millisecond.
func PricingActionComputeCreditsPerMs() float64 {
	return pricingValue(PricingActionComputeCreditsPerMsKey, DefaultPricingActionComputeCreditsPerMs)
}

// PricingDatabaseBandwidthCreditsPerGiB returns the credit price of one GiB
// of database bandwidth.
func PricingDatabaseBandwidthCreditsPerGiB() float64 {
	return pricingValue(PricingDatabaseBandwidthCreditsPerGiBKey, DefaultPricingDatabaseBandwidthCreditsPerGiB)
}

// PricingFileBandwidthCreditsPerGiB returns the credit price of one GiB of
// file bandwidth.
func PricingFileBandwidthCreditsPerGiB() float64 {
	return pricingValue(PricingFileBandwidthCreditsPerGiBKey, DefaultPricingFileBandwidthCreditsPerGiB)
}

// PricingVectorBandwidthCreditsPerGiB returns the credit price of one GiB of
// vector bandwidth.
func PricingVectorBandwidthCreditsPerGiB() float64 {
	return pricingValue(PricingVectorBandwidthCreditsPerGiBKey, DefaultPricingVectorBandwidthCreditsPerGiB)
}

// pricingValue resolves a pricing override, rejecting negative rates.
func pricingValue(key string, fallback float64) float64 {
	value := fallback
	if raw, ok := DBConfigValue(key); ok {
		if parsed, okParse := parseConfigFloat(raw); okParse && parsed >= 0 {
			value = parsed
		}
	}
	return value
}

// parseConfigInt accepts JSON numbers, numeric strings and {"value": ...}
// wrappers, matching the shapes operators have stored historically.
func parseConfigInt(raw json.RawMessage) (int, bool) {
	f, ok := parseConfigFloat(raw)
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

func parseConfigFloat(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if errParse == nil && !math.IsNaN(parsed) && !math.IsInf(parsed, 0) {
			return parsed, true
		}
		return 0, false
	}
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if errUnmarshal := json.Unmarshal(raw, &wrapper); errUnmarshal == nil && len(wrapper.Value) > 0 {
		return parseConfigFloat(wrapper.Value)
	}
	return 0, false
}
