package handlers

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
)

func newReplenishRouter(db *gorm.DB) *gin.Engine {
	handler := NewReplenishHandler(db)
	router := gin.New()
	router.GET("/v0/accounts/:id/replenish", handler.Get)
	router.PUT("/v0/accounts/:id/replenish", handler.Put)
	router.POST("/v0/accounts/:id/replenish/enable", handler.ReEnable)
	return router
}

func TestReplenishPutCreatesThenUpdates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := setupHandlerDB(t)
	router := newReplenishRouter(db)

	account := models.Account{HolderType: models.HolderTypeUser, ExternalRef: "user-topup"}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	path := fmt.Sprintf("/v0/accounts/%d/replenish", account.ID)

	created := doJSON(t, router, http.MethodPut, path, `{"enabled":true,"threshold_credits":5,"top_up_credits":10,"payment_method_ref":"pm_123456789","max_monthly_top_ups":3}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (%s)", created.Code, created.Body.String())
	}
	var config struct {
		Enabled          bool    `json:"enabled"`
		ThresholdCredits float64 `json:"threshold_credits"`
		TopUpCredits     float64 `json:"top_up_credits"`
		PaymentMethodRef string  `json:"payment_method_ref"`
		MaxMonthlyTopUps int     `json:"max_monthly_top_ups"`
	}
	decodeBody(t, created, &config)
	if !config.Enabled || config.ThresholdCredits != 5 || config.TopUpCredits != 10 {
		t.Fatalf("unexpected config: %+v", config)
	}
	if config.PaymentMethodRef != "pm_1...6789" {
		t.Fatalf("payment ref not masked: %q", config.PaymentMethodRef)
	}

	updated := doJSON(t, router, http.MethodPut, path, `{"top_up_credits":20}`)
	if updated.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", updated.Code, updated.Body.String())
	}
	decodeBody(t, updated, &config)
	if config.TopUpCredits != 20 {
		t.Fatalf("top up credits = %v, want 20", config.TopUpCredits)
	}
	if config.ThresholdCredits != 5 || !config.Enabled {
		t.Fatalf("partial update clobbered fields: %+v", config)
	}

	var stored models.AutoReplenishConfig
	if err := db.Where("account_id = ?", account.ID).First(&stored).Error; err != nil {
		t.Fatalf("load stored config: %v", err)
	}
	if stored.PaymentMethodRef != "pm_123456789" {
		t.Fatalf("stored ref = %q, want raw token", stored.PaymentMethodRef)
	}
}

func TestReplenishPutValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := setupHandlerDB(t)
	router := newReplenishRouter(db)

	account := models.Account{HolderType: models.HolderTypeUser, ExternalRef: "user-val"}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	path := fmt.Sprintf("/v0/accounts/%d/replenish", account.ID)

	if w := doJSON(t, router, http.MethodPut, path, `{"top_up_credits":-1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("negative top up: expected status 400, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPut, path, `{"threshold_credits":-0.5}`); w.Code != http.StatusBadRequest {
		t.Fatalf("negative threshold: expected status 400, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPut, "/v0/accounts/9999/replenish", `{"enabled":true}`); w.Code != http.StatusNotFound {
		t.Fatalf("missing account: expected status 404, got %d", w.Code)
	}
}

func TestReplenishGetNotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := setupHandlerDB(t)
	router := newReplenishRouter(db)

	account := models.Account{HolderType: models.HolderTypeUser, ExternalRef: "user-bare"}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/v0/accounts/%d/replenish", account.ID), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestReplenishReEnableClearsReviewState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := setupHandlerDB(t)
	router := newReplenishRouter(db)

	account := models.Account{HolderType: models.HolderTypeUser, ExternalRef: "user-parked"}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	now := time.Now().UTC()
	parked := models.AutoReplenishConfig{
		AccountID:           account.ID,
		Enabled:             false,
		ThresholdCredits:    5,
		TopUpCredits:        10,
		PaymentMethodRef:    "pm_parked",
		MaxMonthlyTopUps:    3,
		ConsecutiveFailures: 3,
		LastTopUpError:      "card declined",
		RequiresReview:      true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := db.Create(&parked).Error; err != nil {
		t.Fatalf("create config: %v", err)
	}

	w := doJSON(t, router, http.MethodPost, fmt.Sprintf("/v0/accounts/%d/replenish/enable", account.ID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", w.Code, w.Body.String())
	}
	var config struct {
		Enabled             bool   `json:"enabled"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
		RequiresReview      bool   `json:"requires_review"`
		LastTopUpError      string `json:"last_top_up_error"`
	}
	decodeBody(t, w, &config)
	if !config.Enabled || config.ConsecutiveFailures != 0 || config.RequiresReview {
		t.Fatalf("review state not cleared: %+v", config)
	}
	if config.LastTopUpError != "" {
		t.Fatalf("error not cleared: %q", config.LastTopUpError)
	}

	missing := doJSON(t, router, http.MethodPost, "/v0/accounts/9999/replenish/enable", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", missing.Code)
	}
}
