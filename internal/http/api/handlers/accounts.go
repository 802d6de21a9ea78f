package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	dbutil "github.com/makerstack/creditledger/internal/db"
	"github.com/makerstack/creditledger/internal/ledger"
	"github.com/makerstack/creditledger/internal/models"
)

// AccountHandler handles account provisioning and balance operations.
type AccountHandler struct {
	db     *gorm.DB       // Database handle for account queries.
	engine *ledger.Engine // Ledger engine performing balance mutations.
}

// NewAccountHandler wires an account handler with its dependencies.
func NewAccountHandler(db *gorm.DB, engine *ledger.Engine) *AccountHandler {
	return &AccountHandler{db: db, engine: engine}
}

// createAccountRequest captures the payload for provisioning an account.
type createAccountRequest struct {
	HolderType  string `json:"holder_type"`  // Credit holder kind, user or workspace.
	ExternalRef string `json:"external_ref"` // Platform identifier of the holder.
}

// Create provisions the account for a credit holder. Creation grants the
// signup bonus; repeat calls return the existing account unchanged.
func (h *AccountHandler) Create(c *gin.Context) {
	var body createAccountRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	holderType := models.HolderType(strings.TrimSpace(body.HolderType))
	if !holderType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid holder_type"})
		return
	}
	externalRef := strings.TrimSpace(body.ExternalRef)
	if externalRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing external_ref"})
		return
	}

	account, errEnsure := h.engine.EnsureAccount(c.Request.Context(), holderType, externalRef)
	if errEnsure != nil {
		if errors.Is(errEnsure, ledger.ErrInvalidHolder) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid holder"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create account failed"})
		return
	}
	c.JSON(http.StatusOK, formatAccount(account))
}

// Get fetches a single account with its bucket counters.
func (h *AccountHandler) Get(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	var account models.Account
	if errFind := h.db.WithContext(c.Request.Context()).First(&account, accountID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatAccount(&account))
}

// Transactions lists the account's audit trail, newest first, filtered by
// optional type and description search parameters.
func (h *AccountHandler) Transactions(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	var account models.Account
	if errFind := h.db.WithContext(c.Request.Context()).
		Select("id").
		First(&account, accountID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	limit := 50
	if limitQ := strings.TrimSpace(c.Query("limit")); limitQ != "" {
		parsed, errParse := strconv.Atoi(limitQ)
		if errParse != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	q := h.db.WithContext(c.Request.Context()).
		Model(&models.CreditTransaction{}).
		Where("account_id = ?", accountID)
	if typeQ := strings.TrimSpace(c.Query("type")); typeQ != "" {
		q = q.Where("type = ?", typeQ)
	}
	if searchQ := strings.TrimSpace(c.Query("search")); searchQ != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+searchQ+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(h.db, "description"), pattern)
	}

	var rows []models.CreditTransaction
	if errFind := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list transactions failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatTransaction(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

// Affordability answers whether a deduction of the given size would pass
// right now. The verdict is advisory and takes no lock.
func (h *AccountHandler) Affordability(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	amountQ := strings.TrimSpace(c.Query("amount"))
	if amountQ == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing amount"})
		return
	}
	amount, errParse := strconv.ParseFloat(amountQ, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	verdict, errCheck := h.engine.CanAfford(c.Request.Context(), accountID, amount)
	if errCheck != nil {
		writeLedgerError(c, errCheck, "affordability check failed")
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// deductRequest captures the payload for a usage deduction.
type deductRequest struct {
	Amount   float64        `json:"amount"`   // Credits to deduct.
	Reason   string         `json:"reason"`   // Human readable summary for the audit entry.
	Metadata map[string]any `json:"metadata"` // Extra audit metadata.
}

// Deduct removes credits from the account, consuming carry-over, base-plan
// and bonus buckets in that order. A deduction that would leave the balance
// below the reserve floor is rejected with 402.
func (h *AccountHandler) Deduct(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	var body deductRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	result, errDeduct := h.engine.Deduct(c.Request.Context(), accountID, body.Amount, strings.TrimSpace(body.Reason), body.Metadata)
	if errDeduct != nil {
		writeLedgerError(c, errDeduct, "deduct failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id":     result.TransactionID,
		"balance_after":      result.BalanceAfter,
		"expired_carry_over": result.ExpiredCarryOver,
		"breakdown": gin.H{
			"carry_over": result.Breakdown.CarryOver,
			"base_plan":  result.Breakdown.BasePlan,
			"bonus":      result.Breakdown.Bonus,
		},
	})
}

// addCreditsRequest captures the payload for a manual credit grant.
type addCreditsRequest struct {
	Amount             float64        `json:"amount"`                // Credits to grant.
	Type               string         `json:"type"`                  // Audit entry kind, defaults to top_up.
	Description        string         `json:"description"`           // Human readable summary.
	Metadata           map[string]any `json:"metadata"`              // Extra audit metadata.
	AsCarryOver        bool           `json:"as_carry_over"`         // Book into the carry-over bucket.
	CarryOverExpiresAt *time.Time     `json:"carry_over_expires_at"` // Optional carry-over expiry.
}

// AddCredits grants credits to the account. Grants land in the derived bonus
// bucket unless booked as carry-over.
func (h *AccountHandler) AddCredits(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	var body addCreditsRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	txnType, okType := grantType(body.Type)
	if !okType {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
		return
	}

	result, errAdd := h.engine.Add(c.Request.Context(), accountID, body.Amount, txnType, ledger.GrantOptions{
		Description:        strings.TrimSpace(body.Description),
		Metadata:           body.Metadata,
		AsCarryOver:        body.AsCarryOver,
		CarryOverExpiresAt: body.CarryOverExpiresAt,
	})
	if errAdd != nil {
		writeLedgerError(c, errAdd, "add credits failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id": result.TransactionID,
		"balance_after":  result.BalanceAfter,
	})
}

// allocationRequest captures the payload for a monthly plan allocation.
type allocationRequest struct {
	TierCredits float64 `json:"tier_credits"` // Monthly grant for the subscription tier.
	PlanTier    string  `json:"plan_tier"`    // Tier label recorded on the account.
}

// GrantAllocation starts a new allocation cycle. Unused base-plan credits
// from the previous cycle are replaced by the tier grant, not stacked.
func (h *AccountHandler) GrantAllocation(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	var body allocationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	result, errGrant := h.engine.GrantMonthlyAllocation(c.Request.Context(), accountID, body.TierCredits, strings.TrimSpace(body.PlanTier))
	if errGrant != nil {
		writeLedgerError(c, errGrant, "allocation failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id": result.TransactionID,
		"allocated":      result.Allocated,
		"forfeited":      result.Forfeited,
		"balance_after":  result.BalanceAfter,
	})
}

// SweepExpiry removes lapsed carry-over credits from the account. Deduct
// performs the same sweep inline; this endpoint applies expiry on demand.
func (h *AccountHandler) SweepExpiry(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	result, errSweep := h.engine.SweepExpiredCarryOver(c.Request.Context(), accountID)
	if errSweep != nil {
		writeLedgerError(c, errSweep, "sweep failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"expired":       result.Expired,
		"balance_after": result.BalanceAfter,
	})
}

// registerDeploymentRequest captures the payload for mapping a deployment.
type registerDeploymentRequest struct {
	DeploymentID string `json:"deployment_id"` // Platform deployment identifier.
	ProjectName  string `json:"project_name"`  // Project display name.
}

// RegisterDeployment maps a deployment to the account so usage can be
// attributed. The account's first deployment grants the one-time deploy
// bonus.
func (h *AccountHandler) RegisterDeployment(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	var body registerDeploymentRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	deploymentID := strings.TrimSpace(body.DeploymentID)
	if deploymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing deployment_id"})
		return
	}

	deployment, errRegister := h.engine.RegisterDeployment(c.Request.Context(), accountID, deploymentID, body.ProjectName)
	if errRegister != nil {
		writeLedgerError(c, errRegister, "register deployment failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            deployment.ID,
		"deployment_id": deployment.DeploymentID,
		"account_id":    deployment.AccountID,
		"project_name":  deployment.ProjectName,
		"created_at":    deployment.CreatedAt,
	})
}

// parseAccountID reads the :id path parameter, writing the 400 on failure.
func parseAccountID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// grantType validates the audit entry kind for manual grants.
func grantType(raw string) (models.CreditTransactionType, bool) {
	switch t := models.CreditTransactionType(strings.TrimSpace(raw)); t {
	case "":
		return models.TransactionTypeTopUp, true
	case models.TransactionTypeTopUp, models.TransactionTypePurchase, models.TransactionTypePromotional:
		return t, true
	default:
		return "", false
	}
}

// writeLedgerError maps ledger errors onto HTTP statuses.
func writeLedgerError(c *gin.Context, err error, fallback string) {
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient credits",
			"balance":   insufficient.Balance,
			"requested": insufficient.Requested,
			"reserve":   insufficient.Reserve,
		})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must not be negative"})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// formatAccount maps an account model into a response payload. The bonus
// bucket is derived, never stored.
func formatAccount(account *models.Account) gin.H {
	return gin.H{
		"id":                      account.ID,
		"holder_type":             account.HolderType,
		"external_ref":            account.ExternalRef,
		"credit_balance":          account.CreditBalance,
		"carry_over_credits":      account.CarryOverCredits,
		"base_plan_credits":       account.BasePlanCredits,
		"bonus_credits":           account.BonusCredits(),
		"carry_over_expires_at":   account.CarryOverExpiresAt,
		"lifetime_credits_used":   account.LifetimeCreditsUsed,
		"monthly_credits_used":    account.MonthlyCreditsUsed,
		"last_credit_reset":       account.LastCreditReset,
		"has_active_subscription": account.HasActiveSubscription,
		"plan_tier":               account.PlanTier,
		"created_at":              account.CreatedAt,
		"updated_at":              account.UpdatedAt,
	}
}

// formatTransaction maps an audit trail entry into a response payload.
func formatTransaction(row *models.CreditTransaction) gin.H {
	item := gin.H{
		"id":            row.ID,
		"account_id":    row.AccountID,
		"type":          row.Type,
		"amount":        row.Amount,
		"balance_after": row.BalanceAfter,
		"description":   row.Description,
		"created_at":    row.CreatedAt,
	}
	if len(row.Metadata) > 0 {
		item["metadata"] = json.RawMessage(row.Metadata)
	}
	return item
}
