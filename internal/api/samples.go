package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/service"
)

// RetrieveRequest takes a sample out of storage; an empty status means Thawed
type RetrieveRequest struct {
	Status domain.SampleStatus `json:"status,omitempty"`
}

// AssessmentRequest records a quality assessment
type AssessmentRequest struct {
	QualityPayload      *domain.QualityEnvelope `json:"qualityPayload"`
	EligibleForFreezing bool                    `json:"eligibleForFreezing"`
}

// EmbryoResponse is the result of embryo creation
type EmbryoResponse struct {
	Sample  *domain.Sample   `json:"sample"`
	Lineage *service.Lineage `json:"lineage"`
}

func (s *Server) handleListSamples(c *gin.Context) {
	samples, err := s.services.Registry.ListByPatient(c.Request.Context(), c.Query("patientId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if samples == nil {
		samples = []*domain.Sample{}
	}
	c.JSON(http.StatusOK, samples)
}

func (s *Server) handleCreateSample(c *gin.Context) {
	var req domain.NewSampleRequest
	if err := bind(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	sample, err := s.services.Registry.Create(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sample)
}

func (s *Server) handleGetSample(c *gin.Context) {
	sample, err := s.services.Registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleUpdateDetails(c *gin.Context) {
	var patch domain.SampleDetailsPatch
	if err := bind(c, &patch); err != nil {
		s.respondError(c, err)
		return
	}
	sample, err := s.services.Registry.UpdateDetails(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

// handleUpdateQuality serves PATCH /samples/{id}/{sperm|oocyte|embryo}-quality.
// The body is the bare payload of the type named in the path.
func (s *Server) handleUpdateQuality(c *gin.Context) {
	kind, ok := strings.CutSuffix(c.Param("quality"), "-quality")
	if !ok {
		s.respondError(c, &domain.NotFoundError{Entity: "route", ID: c.Request.URL.Path})
		return
	}
	sampleType, err := domain.ParseSampleType(kind)
	if err != nil {
		s.respondError(c, &domain.NotFoundError{Entity: "route", ID: c.Request.URL.Path})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, domain.NewValidationError("body", "unreadable request body", nil))
		return
	}
	payload, err := domain.DecodeQuality(sampleType, raw)
	if err != nil {
		s.respondError(c, err)
		return
	}

	sample, err := s.services.Registry.UpdateQuality(c.Request.Context(), c.Param("id"), payload)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleTransition(c *gin.Context) {
	var req domain.TransitionRequest
	if err := bind(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	to, err := domain.ParseSampleStatus(string(req.Status))
	if err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	var sample *domain.Sample
	if req.ExpectedStatus == "" {
		sample, err = s.services.Registry.Transition(ctx, c.Param("id"), to)
	} else {
		var expected domain.SampleStatus
		if expected, err = domain.ParseSampleStatus(string(req.ExpectedStatus)); err == nil {
			sample, err = s.services.Registry.TransitionFrom(ctx, c.Param("id"), expected, to)
		}
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleRetrieve(c *gin.Context) {
	var req RetrieveRequest
	if err := decodeJSON(c.Request.Body, &req); err != nil {
		s.respondError(c, err)
		return
	}
	var to domain.SampleStatus
	if req.Status != "" {
		parsed, err := domain.ParseSampleStatus(string(req.Status))
		if err != nil {
			s.respondError(c, err)
			return
		}
		to = parsed
	}

	sample, err := s.services.Coordinator.RetrieveSample(c.Request.Context(), c.Param("id"), to)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleAssess(c *gin.Context) {
	var req AssessmentRequest
	if err := bind(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	if req.QualityPayload == nil {
		s.respondError(c, domain.NewValidationError("qualityPayload", "payload is required", nil))
		return
	}
	payload, err := req.QualityPayload.Decode()
	if err != nil {
		s.respondError(c, err)
		return
	}

	sample, err := s.services.Quality.Assess(c.Request.Context(), c.Param("id"), payload, req.EligibleForFreezing)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleAdmitToCulture(c *gin.Context) {
	sample, err := s.services.Quality.AdmitToCulture(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) handleSampleLocation(c *gin.Context) {
	location, err := s.services.Ledger.CurrentLocation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sampleId": c.Param("id"), "location": location})
}

func (s *Server) handleSampleHistory(c *gin.Context) {
	records, err := s.services.Ledger.SampleHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(records))
}

func (s *Server) handleCreateEmbryo(c *gin.Context) {
	var params service.CreateEmbryoParams
	if err := bind(c, &params); err != nil {
		s.respondError(c, err)
		return
	}
	sample, lineage, err := s.services.Quality.CreateEmbryo(c.Request.Context(), params)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, EmbryoResponse{Sample: sample, Lineage: lineage})
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// decodeJSON accepts an empty body, which gin's binder rejects
func decodeJSON(r io.Reader, target interface{}) error {
	if err := json.NewDecoder(r).Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return domain.NewValidationError("body", "malformed request body", nil)
	}
	return nil
}
