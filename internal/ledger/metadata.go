package ledger

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// Transaction metadata keys. Keys are versioned through MetaKeySchemaVersion;
// consumers must tolerate unknown keys and missing optional keys.
//
// Schema version history:
//
//	1: carry_over_deducted, base_plan_deducted, bonus_deducted on deductions;
//	   expired_carry_over on expiry entries; allocated_credits,
//	   forfeited_credits, plan_tier on allocations; charge_ref,
//	   idempotency_key, requires_manual_intervention on replenishment entries.
const (
	MetaKeySchemaVersion              = "schema_version"
	MetaKeyCarryOverDeducted          = "carry_over_deducted"
	MetaKeyBasePlanDeducted           = "base_plan_deducted"
	MetaKeyBonusDeducted              = "bonus_deducted"
	MetaKeyExpiredCarryOver           = "expired_carry_over"
	MetaKeyAllocatedCredits           = "allocated_credits"
	MetaKeyForfeitedCredits           = "forfeited_credits"
	MetaKeyPlanTier                   = "plan_tier"
	MetaKeyChargeRef                  = "charge_ref"
	MetaKeyIdempotencyKey             = "idempotency_key"
	MetaKeyRequiresManualIntervention = "requires_manual_intervention"
)

// metadataSchemaVersion stamps every metadata payload written by this build.
const metadataSchemaVersion = 1

// marshalMetadata merges extra caller fields with the schema version stamp.
// Caller fields never override schema-owned keys.
func marshalMetadata(schema map[string]any, extra map[string]any) datatypes.JSON {
	merged := make(map[string]any, len(schema)+len(extra)+1)
	for k, v := range extra {
		if k == "" {
			continue
		}
		merged[k] = v
	}
	for k, v := range schema {
		merged[k] = v
	}
	merged[MetaKeySchemaVersion] = metadataSchemaVersion

	payload, errMarshal := json.Marshal(merged)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(payload)
}

// deductionMetadata records the per-bucket split of a deduction.
func deductionMetadata(split BucketBreakdown, extra map[string]any) datatypes.JSON {
	return marshalMetadata(map[string]any{
		MetaKeyCarryOverDeducted: split.CarryOver,
		MetaKeyBasePlanDeducted:  split.BasePlan,
		MetaKeyBonusDeducted:     split.Bonus,
	}, extra)
}

// expiryMetadata records the credits forfeited by a carry-over expiry.
func expiryMetadata(expired float64) datatypes.JSON {
	return marshalMetadata(map[string]any{
		MetaKeyExpiredCarryOver: expired,
	}, nil)
}

// allocationMetadata records a monthly allocation grant and any forfeited
// remainder from the previous cycle.
func allocationMetadata(allocated, forfeited float64, planTier string) datatypes.JSON {
	schema := map[string]any{
		MetaKeyAllocatedCredits: allocated,
		MetaKeyForfeitedCredits: forfeited,
	}
	if planTier != "" {
		schema[MetaKeyPlanTier] = planTier
	}
	return marshalMetadata(schema, nil)
}
