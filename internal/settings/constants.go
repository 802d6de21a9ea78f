package settings

// DB config keys and defaults for settings.
const (
	// MinimumReserveCreditsKey controls the balance floor a deduction may not break.
	MinimumReserveCreditsKey = "MINIMUM_RESERVE_CREDITS"
	// MeteringSyncIntervalSecondsKey controls the metering sync interval in seconds.
	MeteringSyncIntervalSecondsKey = "METERING_SYNC_INTERVAL_SECONDS"
	// ReplenishScanIntervalSecondsKey controls the auto top-up scan interval in seconds.
	ReplenishScanIntervalSecondsKey = "REPLENISH_SCAN_INTERVAL_SECONDS"
	// ReplenishMaxConcurrencyKey controls the max concurrent top-up cycles per scan.
	ReplenishMaxConcurrencyKey = "REPLENISH_MAX_CONCURRENCY"
	// UsageEventRetentionDaysKey controls how long raw usage event rows are kept.
	UsageEventRetentionDaysKey = "USAGE_EVENT_RETENTION_DAYS"
	// SignupBonusCreditsKey controls the one-time signup grant amount.
	SignupBonusCreditsKey = "SIGNUP_BONUS_CREDITS"
	// FirstDeployBonusCreditsKey controls the one-time first deploy grant amount.
	FirstDeployBonusCreditsKey = "FIRST_DEPLOY_BONUS_CREDITS"

	// PricingFunctionCallCreditsKey overrides the credit price of one billable function call.
	PricingFunctionCallCreditsKey = "PRICING_FUNCTION_CALL_CREDITS"
	// PricingActionComputeCreditsPerMsKey overrides the credit price of one action compute millisecond.
	PricingActionComputeCreditsPerMsKey = "PRICING_ACTION_COMPUTE_CREDITS_PER_MS"
	// PricingDatabaseBandwidthCreditsPerGiBKey overrides the credit price of one GiB of database bandwidth.
	PricingDatabaseBandwidthCreditsPerGiBKey = "PRICING_DATABASE_BANDWIDTH_CREDITS_PER_GIB"
	// PricingFileBandwidthCreditsPerGiBKey overrides the credit price of one GiB of file bandwidth.
	PricingFileBandwidthCreditsPerGiBKey = "PRICING_FILE_BANDWIDTH_CREDITS_PER_GIB"
	// PricingVectorBandwidthCreditsPerGiBKey overrides the credit price of one GiB of vector bandwidth.
	PricingVectorBandwidthCreditsPerGiBKey = "PRICING_VECTOR_BANDWIDTH_CREDITS_PER_GIB"

	// DefaultMinimumReserveCredits is the fallback deduction floor.
	DefaultMinimumReserveCredits = 0.5
	// DefaultMeteringSyncIntervalSeconds is the fallback sync interval (seconds).
	DefaultMeteringSyncIntervalSeconds = 300
	// DefaultReplenishScanIntervalSeconds is the fallback scan interval (seconds).
	DefaultReplenishScanIntervalSeconds = 60
	// DefaultReplenishMaxConcurrency is the fallback max concurrent top-up cycles.
	DefaultReplenishMaxConcurrency = 4
	// DefaultUsageEventRetentionDays is the fallback raw event retention window.
	DefaultUsageEventRetentionDays = 90
	// DefaultSignupBonusCredits is the fallback signup grant.
	DefaultSignupBonusCredits = 10.0
	// DefaultFirstDeployBonusCredits is the fallback first deploy grant.
	DefaultFirstDeployBonusCredits = 5.0

	// DefaultPricingFunctionCallCredits is the fallback per-call price.
	DefaultPricingFunctionCallCredits = 0.001
	// DefaultPricingActionComputeCreditsPerMs is the fallback per-compute-millisecond price.
	DefaultPricingActionComputeCreditsPerMs = 0.000001
	// DefaultPricingDatabaseBandwidthCreditsPerGiB is the fallback database bandwidth price.
	DefaultPricingDatabaseBandwidthCreditsPerGiB = 0.2
	// DefaultPricingFileBandwidthCreditsPerGiB is the fallback file bandwidth price.
	DefaultPricingFileBandwidthCreditsPerGiB = 0.1
	// DefaultPricingVectorBandwidthCreditsPerGiB is the fallback vector bandwidth price.
	DefaultPricingVectorBandwidthCreditsPerGiB = 0.3
)

// maxReplenishConcurrency caps the settings override for top-up fan-out.
const maxReplenishConcurrency = 16
