package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/makerstack/creditledger/internal/models"
	"github.com/makerstack/creditledger/internal/settings"
)

// SettingsHandler handles the runtime tunables stored as key/value rows.
type SettingsHandler struct {
	db *gorm.DB // Database handle for settings queries.
}

// NewSettingsHandler wires a settings handler with its database dependency.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns every stored setting with the snapshot's refresh timestamp.
func (h *SettingsHandler) List(c *gin.Context) {
	var rows []models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list settings failed"})
		return
	}

	values := gin.H{}
	for _, row := range rows {
		values[row.Key] = json.RawMessage(row.Value)
	}
	c.JSON(http.StatusOK, gin.H{
		"settings":   values,
		"updated_at": settings.DBConfigUpdatedAt(),
	})
}

// Update upserts the provided settings and refreshes the in-memory snapshot
// so new values take effect without a restart.
func (h *SettingsHandler) Update(c *gin.Context) {
	var body map[string]json.RawMessage
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no settings to update"})
		return
	}
	for key := range body {
		if strings.TrimSpace(key) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty key"})
			return
		}
	}

	now := time.Now().UTC()
	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		for key, value := range body {
			row := models.Setting{
				Key:       strings.TrimSpace(key),
				Value:     value,
				UpdatedAt: now,
			}
			if errUpsert := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; errUpsert != nil {
				return errUpsert
			}
		}
		return nil
	})
	if errTx != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update settings failed"})
		return
	}

	if errRefresh := settings.RefreshDBConfigSnapshot(c.Request.Context(), h.db); errRefresh != nil {
		// Values are persisted; the periodic refresher will pick them up.
		log.WithError(errRefresh).Warn("settings: snapshot refresh after update failed")
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
