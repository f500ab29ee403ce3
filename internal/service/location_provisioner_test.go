package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryo-specimen-server/internal/domain"
)

func TestProvisionTank(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Prime the root cache so the new tank only shows up after invalidation
	roots, err := f.tree.Roots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	tank, err := f.provisioner.ProvisionTank(ctx, domain.TankLayout{
		Name: "Tank 2", Canisters: 2, GobletsPerCanister: 2, SlotsPerGoblet: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LocationTank, tank.Type)

	roots, err = f.tree.Roots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tank 1", "Tank 2"}, names(roots))

	canisters, err := f.tree.Children(ctx, tank.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Canister 1", "Canister 2"}, names(canisters))

	goblets, err := f.tree.Children(ctx, canisters[1].ID)
	require.NoError(t, err)
	require.Len(t, goblets, 2)
	assert.Equal(t, domain.LocationGoblet, goblets[0].Type)

	slots, err := f.tree.Children(ctx, goblets[0].ID)
	require.NoError(t, err)
	require.Len(t, slots, 12)
	assert.Equal(t, "Slot 1", slots[0].Name)
	assert.Equal(t, "Slot 2", slots[1].Name)
	assert.Equal(t, "Slot 12", slots[11].Name)
	assert.True(t, IsLeaf(slots[11]))

	// Provisioned slots accept imports
	f.checkedSample(t, "s1", domain.SampleTypeSperm)
	_, err = f.coordinator.ImportSample(ctx, importInto("s1", slots[11].ID))
	assert.NoError(t, err)
}

func TestProvisionTank_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.provisioner.ProvisionTank(context.Background(), domain.TankLayout{
		Name: " ", Canisters: 0, GobletsPerCanister: 3, SlotsPerGoblet: MaxSlotsPerGoblet + 1,
	})

	var errs domain.ValidationErrors
	require.True(t, errors.As(err, &errs))
	var fields []string
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"name", "canisters", "slotsPerGoblet"}, fields)

	roots, err := f.store.GetRoots(context.Background())
	require.NoError(t, err)
	assert.Len(t, roots, 1)
}
