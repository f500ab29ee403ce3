package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cryo-specimen-server/internal/domain"
)

// OccupantResponse reports the active sample in a slot, if any
type OccupantResponse struct {
	SlotID   string         `json:"slotId"`
	Occupant *domain.Sample `json:"occupant"`
}

func (s *Server) handleRoots(c *gin.Context) {
	roots, err := s.services.Tree.Roots(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(roots))
}

func (s *Server) handleGetLocation(c *gin.Context) {
	node, err := s.services.Tree.Node(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) handleChildren(c *gin.Context) {
	children, err := s.services.Tree.Children(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(children))
}

func (s *Server) handleOccupant(c *gin.Context) {
	ctx := c.Request.Context()
	node, err := s.services.Tree.Node(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !node.IsSlot() {
		s.respondError(c, &domain.NotASlotError{LocationID: node.ID, Type: node.Type})
		return
	}
	occupant, err := s.services.Ledger.CurrentOccupant(ctx, node.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, OccupantResponse{SlotID: node.ID, Occupant: occupant})
}

func (s *Server) handleProvisionTank(c *gin.Context) {
	var layout domain.TankLayout
	if err := bind(c, &layout); err != nil {
		s.respondError(c, err)
		return
	}
	tank, err := s.services.Provisioner.ProvisionTank(c.Request.Context(), layout)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tank)
}

// handleCreateLocation adds a single node; remote stores provision through it
func (s *Server) handleCreateLocation(c *gin.Context) {
	var node domain.CryoLocationNode
	if err := bind(c, &node); err != nil {
		s.respondError(c, err)
		return
	}
	node.Name = strings.TrimSpace(node.Name)
	if node.Name == "" {
		s.respondError(c, domain.NewValidationError("name", "location name is required", nil))
		return
	}
	node.Type = domain.NormalizeLocationType(string(node.Type))
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	node.Children = nil
	node.Loaded = false
	node.SampleCount = 0

	if err := s.services.Locations.CreateLocation(c.Request.Context(), &node); err != nil {
		s.respondError(c, err)
		return
	}
	s.services.Tree.Invalidate("")
	c.JSON(http.StatusCreated, node)
}
