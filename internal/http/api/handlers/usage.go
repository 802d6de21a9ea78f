package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
	"github.com/makerstack/creditledger/internal/usage"
)

// maxIngestBatch caps how many events one ingest request may carry.
const maxIngestBatch = 1000

// UsageHandler handles usage event ingestion and per-deployment reads.
type UsageHandler struct {
	db       *gorm.DB        // Database handle for usage queries.
	ingestor *usage.Ingestor // Ingestor applying events to accumulator rows.
}

// NewUsageHandler wires a usage handler with its dependencies.
func NewUsageHandler(db *gorm.DB, ingestor *usage.Ingestor) *UsageHandler {
	return &UsageHandler{db: db, ingestor: ingestor}
}

// ingestRequest captures a batch of usage events.
type ingestRequest struct {
	Events []usage.Event `json:"events"` // Events to apply, any mix of kinds.
}

// Ingest applies a batch of usage events and returns the batch summary.
// Unattributable or unrecognized events are skipped and tallied, not failed.
func (h *UsageHandler) Ingest(c *gin.Context) {
	var body ingestRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing events"})
		return
	}
	if len(body.Events) > maxIngestBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many events"})
		return
	}

	summary, errBatch := h.ingestor.ProcessBatch(c.Request.Context(), body.Events)
	if errBatch != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed", "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// DeploymentUsage returns the accumulator row for a deployment, with the
// current period's storage peaks when present.
func (h *UsageHandler) DeploymentUsage(c *gin.Context) {
	deploymentID := strings.TrimSpace(c.Param("deployment_id"))
	if deploymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing deployment_id"})
		return
	}

	var row models.DeploymentUsage
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("deployment_id = ?", deploymentID).
		First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	resp := gin.H{
		"deployment_id":            row.DeploymentID,
		"account_id":               row.AccountID,
		"period_start":             row.PeriodStart,
		"period_end":               row.PeriodEnd,
		"function_calls":           row.FunctionCalls,
		"action_compute_ms":        row.ActionComputeMs,
		"database_bandwidth_bytes": row.DatabaseBandwidthBytes,
		"file_bandwidth_bytes":     row.FileBandwidthBytes,
		"vector_bandwidth_bytes":   row.VectorBandwidthBytes,
		"document_storage_bytes":   row.DocumentStorageBytes,
		"file_storage_bytes":       row.FileStorageBytes,
		"vector_storage_bytes":     row.VectorStorageBytes,
		"index_storage_bytes":      row.IndexStorageBytes,
		"backup_storage_bytes":     row.BackupStorageBytes,
		"credits_used_this_period": row.CreditsUsedThisPeriod,
		"last_usage_at":            row.LastUsageAt,
	}

	var peak models.StoragePeak
	errPeak := h.db.WithContext(c.Request.Context()).
		Where("deployment_id = ? AND period_start = ?", deploymentID, row.PeriodStart).
		First(&peak).Error
	if errPeak == nil {
		resp["storage_peaks"] = gin.H{
			"document_storage_bytes": peak.DocumentStorageBytes,
			"file_storage_bytes":     peak.FileStorageBytes,
			"vector_storage_bytes":   peak.VectorStorageBytes,
			"index_storage_bytes":    peak.IndexStorageBytes,
			"backup_storage_bytes":   peak.BackupStorageBytes,
		}
	} else if !errors.Is(errPeak, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, resp)
}
