package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
	"github.com/makerstack/creditledger/internal/replenish"
	"github.com/makerstack/creditledger/internal/util"
)

// ReplenishHandler handles per-account automatic top-up policy.
type ReplenishHandler struct {
	db *gorm.DB // Database handle for replenish config queries.
}

// NewReplenishHandler wires a replenish handler with its database dependency.
func NewReplenishHandler(db *gorm.DB) *ReplenishHandler {
	return &ReplenishHandler{db: db}
}

// Get returns the account's automatic top-up policy.
func (h *ReplenishHandler) Get(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	var config models.AutoReplenishConfig
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("account_id = ?", accountID).
		First(&config).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not configured"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatReplenishConfig(&config))
}

// upsertReplenishRequest captures optional policy fields. Absent fields keep
// their stored values.
type upsertReplenishRequest struct {
	Enabled          *bool    `json:"enabled"`             // Whether automatic top-ups run.
	ThresholdCredits *float64 `json:"threshold_credits"`   // Balance below which a top-up triggers.
	TopUpCredits     *float64 `json:"top_up_credits"`      // Credits purchased per top-up.
	PaymentMethodRef *string  `json:"payment_method_ref"`  // Opaque payment method reference.
	MaxMonthlyTopUps *int     `json:"max_monthly_top_ups"` // Monthly top-up cap, zero disables.
}

// Put creates or updates the account's automatic top-up policy.
func (h *ReplenishHandler) Put(c *gin.Context) {
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

	var body upsertReplenishRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.ThresholdCredits != nil && *body.ThresholdCredits < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold_credits cannot be negative"})
		return
	}
	if body.TopUpCredits != nil && *body.TopUpCredits <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "top_up_credits must be positive"})
		return
	}
	if body.MaxMonthlyTopUps != nil && *body.MaxMonthlyTopUps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_monthly_top_ups cannot be negative"})
		return
	}

	now := time.Now().UTC()
	var config models.AutoReplenishConfig
	errFind := h.db.WithContext(c.Request.Context()).
		Where("account_id = ?", accountID).
		First(&config).Error
	if errFind != nil && !errors.Is(errFind, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		config = models.AutoReplenishConfig{
			AccountID: accountID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		applyReplenishFields(&config, &body)
		if errCreate := h.db.WithContext(c.Request.Context()).Create(&config).Error; errCreate != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create config failed"})
			return
		}
		c.JSON(http.StatusCreated, formatReplenishConfig(&config))
		return
	}

	applyReplenishFields(&config, &body)
	config.UpdatedAt = now
	if errSave := h.db.WithContext(c.Request.Context()).Save(&config).Error; errSave != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update config failed"})
		return
	}
	c.JSON(http.StatusOK, formatReplenishConfig(&config))
}

// ReEnable clears the failure backoff and the manual review flag so cycles
// resume. Intended for the operator who has reconciled a parked config.
func (h *ReplenishHandler) ReEnable(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}
	if errEnable := replenish.ReEnable(c.Request.Context(), h.db, accountID); errEnable != nil {
		if errors.Is(errEnable, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not configured"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enable failed"})
		return
	}

	var config models.AutoReplenishConfig
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("account_id = ?", accountID).
		First(&config).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatReplenishConfig(&config))
}

// applyReplenishFields copies the provided fields onto the config.
func applyReplenishFields(config *models.AutoReplenishConfig, body *upsertReplenishRequest) {
	if body.Enabled != nil {
		config.Enabled = *body.Enabled
	}
	if body.ThresholdCredits != nil {
		config.ThresholdCredits = *body.ThresholdCredits
	}
	if body.TopUpCredits != nil {
		config.TopUpCredits = *body.TopUpCredits
	}
	if body.PaymentMethodRef != nil {
		config.PaymentMethodRef = strings.TrimSpace(*body.PaymentMethodRef)
	}
	if body.MaxMonthlyTopUps != nil {
		config.MaxMonthlyTopUps = *body.MaxMonthlyTopUps
	}
}

// formatReplenishConfig maps a config row into a response payload. The
// payment method reference is masked; the raw token never leaves storage.
func formatReplenishConfig(config *models.AutoReplenishConfig) gin.H {
	return gin.H{
		"account_id":           config.AccountID,
		"enabled":              config.Enabled,
		"threshold_credits":    config.ThresholdCredits,
		"top_up_credits":       config.TopUpCredits,
		"payment_method_ref":   util.MaskRef(config.PaymentMethodRef),
		"max_monthly_top_ups":  config.MaxMonthlyTopUps,
		"top_ups_this_month":   config.TopUpsThisMonth,
		"consecutive_failures": config.ConsecutiveFailures,
		"last_top_up_error":    config.LastTopUpError,
		"last_top_up_at":       config.LastTopUpAt,
		"last_top_up_amount":   config.LastTopUpAmount,
		"requires_review":      config.RequiresReview,
		"updated_at":           config.UpdatedAt,
	}
}
