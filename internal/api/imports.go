package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cryo-specimen-server/internal/domain"
)

func (s *Server) handleListImports(c *gin.Context) {
	ctx := c.Request.Context()
	slotID, sampleID := c.Query("slotId"), c.Query("sampleId")

	var (
		records []*domain.CryoImportRecord
		err     error
	)
	switch {
	case slotID != "" && sampleID != "":
		err = domain.NewValidationError("slotId", "filter by slotId or sampleId, not both", slotID)
	case slotID != "":
		records, err = s.services.Ledger.SlotHistory(ctx, slotID)
	case sampleID != "":
		records, err = s.services.Ledger.SampleHistory(ctx, sampleID)
	default:
		err = domain.NewValidationError("slotId", "slotId or sampleId is required", nil)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(records))
}

func (s *Server) handleImport(c *gin.Context) {
	var req domain.ImportRequest
	if err := bind(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	if req.Target != "" {
		target, err := domain.ParseSampleStatus(string(req.Target))
		if err != nil {
			s.respondError(c, domain.NewValidationError("targetStatus", "unknown sample status", req.Target))
			return
		}
		req.Target = target
	}

	record, err := s.services.Coordinator.ImportSample(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) handleMove(c *gin.Context) {
	var req domain.ImportRequest
	if err := bind(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	record, err := s.services.Coordinator.MoveSample(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// handleAppendRecord appends a raw ledger record without touching sample status
func (s *Server) handleAppendRecord(c *gin.Context) {
	var record domain.CryoImportRecord
	if err := bind(c, &record); err != nil {
		s.respondError(c, err)
		return
	}
	created, err := s.services.Ledger.Append(c.Request.Context(), &record)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.services.Tree.InvalidatePath(created.SlotID)
	c.JSON(http.StatusCreated, created)
}
