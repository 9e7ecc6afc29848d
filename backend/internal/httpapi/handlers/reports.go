package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kokke33/TaskTrackr-sub001/backend/internal/collab"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/session"
	"github.com/kokke33/TaskTrackr-sub001/backend/internal/store"
)

// ReportStore is the slice of the store the handlers need directly;
// versioned writes go through the gate instead.
type ReportStore interface {
	Get(ctx context.Context, id string) (*store.WeeklyReport, error)
	Create(ctx context.Context, authorID uint64, f store.Fields) (*store.WeeklyReport, error)
	UpdateAIAnalysis(ctx context.Context, id string, analysis string) error
}

type ReportHandler struct {
	store ReportStore
	gate  *collab.Gate
}

func NewReportHandler(s ReportStore, gate *collab.Gate) *ReportHandler {
	return &ReportHandler{store: s, gate: gate}
}

type updateRequest struct {
	store.Fields
	ExpectedVersion uint64 `json:"expectedVersion"`
}

type analysisRequest struct {
	Analysis string `json:"analysis"`
}

func (h *ReportHandler) Get(c *gin.Context) {
	report, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "report not found"})
		return
	}
	if err != nil {
		log.Printf("get report failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "get report failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *ReportHandler) Create(c *gin.Context) {
	var f store.Fields
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	report, err := h.store.Create(c.Request.Context(), identityFrom(c).UserID, f)
	if errors.Is(err, store.ErrDuplicateWeek) {
		c.JSON(http.StatusConflict, gin.H{"code": "DUPLICATE_WEEK", "message": "report already exists for this week"})
		return
	}
	if err != nil {
		log.Printf("create report failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "create report failed"})
		return
	}
	c.JSON(http.StatusCreated, report)
}

// Update is the versioned write path. A stale expectedVersion yields
// 409 with the server's version and current document, enough for the
// client to build its conflict context without a second round-trip.
func (h *ReportHandler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if req.ExpectedVersion == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "expectedVersion is required"})
		return
	}

	docID := c.Param("id")
	updated, err := h.gate.Update(c.Request.Context(), docID, req.Fields, req.ExpectedVersion, identityFrom(c))
	if err == nil {
		c.JSON(http.StatusOK, updated)
		return
	}

	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		resp := gin.H{"code": "VERSION_CONFLICT", "serverVersion": conflict.ServerVersion}
		if current, getErr := h.store.Get(c.Request.Context(), docID); getErr == nil {
			resp["serverReport"] = current
		}
		c.JSON(http.StatusConflict, resp)
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "report not found"})
	default:
		log.Printf("update report %s failed: %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "update report failed"})
	}
}

// UpdateAnalysis writes the system-derived field outside the
// optimistic lock, so background annotation never conflicts with user
// edits.
func (h *ReportHandler) UpdateAnalysis(c *gin.Context) {
	var req analysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	err := h.store.UpdateAIAnalysis(c.Request.Context(), c.Param("id"), req.Analysis)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "report not found"})
		return
	}
	if err != nil {
		log.Printf("update analysis failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "update analysis failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func identityFrom(c *gin.Context) session.Identity {
	return session.Identity{
		UserID:   c.GetUint64("userId"),
		Username: c.GetString("username"),
	}
}
