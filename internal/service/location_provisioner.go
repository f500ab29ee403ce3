package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

// Limits on a single provisioned tank
const (
	MaxCanistersPerTank   = 50
	MaxGobletsPerCanister = 50
	MaxSlotsPerGoblet     = 100
)

// LocationProvisioner creates storage hierarchies
type LocationProvisioner struct {
	writer domain.LocationWriter
	tree   *LocationTree
	logger *logrus.Logger
}

// NewLocationProvisioner creates a provisioner that refreshes tree after writes
func NewLocationProvisioner(writer domain.LocationWriter, tree *LocationTree, logger *logrus.Logger) *LocationProvisioner {
	return &LocationProvisioner{writer: writer, tree: tree, logger: logger}
}

// ProvisionTank creates a tank with numbered canisters, goblets and slots
func (p *LocationProvisioner) ProvisionTank(ctx context.Context, layout domain.TankLayout) (*domain.CryoLocationNode, error) {
	if err := validateLayout(layout); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tank := &domain.CryoLocationNode{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(layout.Name),
		Type:      domain.LocationTank,
		CreatedAt: now,
	}
	if err := p.writer.CreateLocation(ctx, tank); err != nil {
		return nil, fmt.Errorf("failed to create tank: %w", err)
	}
	// Roots change, so the whole cache is dropped even if a level fails below
	defer p.tree.Invalidate("")

	created := 1
	for c := 1; c <= layout.Canisters; c++ {
		canister, err := p.child(ctx, tank, fmt.Sprintf("Canister %d", c), now)
		if err != nil {
			return nil, p.partial(tank, created, err)
		}
		created++
		for g := 1; g <= layout.GobletsPerCanister; g++ {
			goblet, err := p.child(ctx, canister, fmt.Sprintf("Goblet %d", g), now)
			if err != nil {
				return nil, p.partial(tank, created, err)
			}
			created++
			for s := 1; s <= layout.SlotsPerGoblet; s++ {
				if _, err := p.child(ctx, goblet, fmt.Sprintf("Slot %d", s), now); err != nil {
					return nil, p.partial(tank, created, err)
				}
				created++
			}
		}
	}

	p.logger.WithFields(logrus.Fields{
		"tank_id":   tank.ID,
		"tank_name": tank.Name,
		"nodes":     created,
	}).Info("Tank provisioned")
	return tank, nil
}

func (p *LocationProvisioner) child(ctx context.Context, parent *domain.CryoLocationNode, name string, now time.Time) (*domain.CryoLocationNode, error) {
	parentID := parent.ID
	node := &domain.CryoLocationNode{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      parent.Type.ChildType(),
		ParentID:  &parentID,
		CreatedAt: now,
	}
	if err := p.writer.CreateLocation(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *LocationProvisioner) partial(tank *domain.CryoLocationNode, created int, err error) error {
	p.logger.WithFields(logrus.Fields{
		"tank_id": tank.ID,
		"nodes":   created,
		"error":   err,
	}).Error("Tank provisioning stopped part way")
	return fmt.Errorf("provisioning tank %s stopped after %d nodes: %w", tank.ID, created, err)
}

func validateLayout(layout domain.TankLayout) error {
	var errs domain.ValidationErrors
	if strings.TrimSpace(layout.Name) == "" {
		errs = append(errs, domain.NewValidationError("name", "tank name is required", layout.Name))
	}
	for _, bound := range []struct {
		field string
		value int
		max   int
	}{
		{"canisters", layout.Canisters, MaxCanistersPerTank},
		{"gobletsPerCanister", layout.GobletsPerCanister, MaxGobletsPerCanister},
		{"slotsPerGoblet", layout.SlotsPerGoblet, MaxSlotsPerGoblet},
	} {
		if bound.value < 1 || bound.value > bound.max {
			errs = append(errs, domain.NewValidationError(bound.field, fmt.Sprintf("must be between 1 and %d", bound.max), bound.value))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
