package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryo-specimen-server/internal/domain"
)

// runStoreContract exercises the behaviour every domain.Store backend must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) domain.Store) {
	t.Run("samples", func(t *testing.T) { testSamples(t, newStore(t)) })
	t.Run("status compare and set", func(t *testing.T) { testCompareAndSet(t, newStore(t)) })
	t.Run("locations", func(t *testing.T) { testLocations(t, newStore(t)) })
	t.Run("commit import", func(t *testing.T) { testCommitImport(t, newStore(t)) })
	t.Run("append import", func(t *testing.T) { testAppendImport(t, newStore(t)) })
	t.Run("move frees old slot", func(t *testing.T) { testMove(t, newStore(t)) })
	t.Run("concurrent imports", func(t *testing.T) { testConcurrentImports(t, newStore(t)) })
}

var baseTime = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

func newTestSample(id, patient string, sampleType domain.SampleType) *domain.Sample {
	empty, _ := domain.EmptyQuality(sampleType)
	return &domain.Sample{
		ID:             id,
		Code:           "CODE-" + id,
		Type:           sampleType,
		Status:         domain.StatusCollected,
		PatientID:      patient,
		CollectionDate: baseTime,
		Quality:        empty,
		IsAvailable:    true,
	}
}

func strPtr(s string) *string { return &s }

// seedTank creates T1 > C1 > G1 > S1..S3
func seedTank(t *testing.T, store domain.Store) {
	t.Helper()
	ctx := context.Background()
	nodes := []*domain.CryoLocationNode{
		{ID: "T1", Name: "Tank 1", Type: domain.LocationTank},
		{ID: "C1", Name: "Canister 1", Type: domain.LocationCanister, ParentID: strPtr("T1")},
		{ID: "G1", Name: "Goblet 1", Type: domain.LocationGoblet, ParentID: strPtr("C1")},
		{ID: "S1", Name: "Slot 1", Type: domain.LocationSlot, ParentID: strPtr("G1")},
		{ID: "S2", Name: "Slot 2", Type: domain.LocationSlot, ParentID: strPtr("G1")},
		{ID: "S3", Name: "Slot 3", Type: domain.LocationSlot, ParentID: strPtr("G1")},
	}
	for _, n := range nodes {
		require.NoError(t, store.CreateLocation(ctx, n))
	}
}

func seedSample(t *testing.T, store domain.Store, id string, status domain.SampleStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateSample(ctx, newTestSample(id, "P1", domain.SampleTypeSperm)))
	path := map[domain.SampleStatus][]domain.SampleStatus{
		domain.StatusCollected:      nil,
		domain.StatusQualityChecked: {domain.StatusQualityChecked},
		domain.StatusFrozen:         {domain.StatusQualityChecked, domain.StatusFrozen},
	}[status]
	from := domain.StatusCollected
	for _, to := range path {
		_, err := store.CompareAndSetStatus(ctx, id, from, to)
		require.NoError(t, err)
		from = to
	}
}

func importRecord(sampleID, slotID string, at time.Time) *domain.CryoImportRecord {
	return &domain.CryoImportRecord{
		SampleID:    sampleID,
		SlotID:      slotID,
		ImportDate:  at,
		ImportedBy:  "U1",
		WitnessedBy: "U2",
		Temperature: -196,
		Reason:      "storage",
	}
}

func testAppendImport(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedTank(t, store)
	for _, p := range []struct{ sample, slot string }{{"a", "S1"}, {"b", "S2"}} {
		seedSample(t, store, p.sample, domain.StatusQualityChecked)
		_, err := store.CommitImport(ctx, domain.ImportCommit{
			Record: importRecord(p.sample, p.slot, baseTime),
			From:   domain.StatusQualityChecked,
			To:     domain.StatusFrozen,
		})
		require.NoError(t, err)
	}
	seedSample(t, store, "c", domain.StatusCollected)

	err := store.AppendImport(ctx, importRecord("b", "S1", baseTime.Add(time.Hour)))
	var occupied *domain.SlotOccupiedError
	require.True(t, errors.As(err, &occupied), "got %v", err)
	assert.Equal(t, "a", occupied.OccupantID)

	err = store.AppendImport(ctx, importRecord("b", "G1", baseTime.Add(time.Hour)))
	var notSlot *domain.NotASlotError
	require.True(t, errors.As(err, &notSlot), "got %v", err)
	assert.Equal(t, domain.LocationGoblet, notSlot.Type)

	records, err := store.ListImportsBySample(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// Inactive samples leave history only, and an active one may take a vacant slot
	require.NoError(t, store.AppendImport(ctx, importRecord("c", "S1", baseTime.Add(time.Hour))))
	require.NoError(t, store.AppendImport(ctx, importRecord("b", "S3", baseTime.Add(time.Hour))))

	records, err = store.ListImportsBySlot(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func testSamples(t *testing.T, store domain.Store) {
	ctx := context.Background()

	s1 := newTestSample("s1", "P1", domain.SampleTypeSperm)
	s1.Quality = &domain.SpermQuality{Volume: func(v float64) *float64 { return &v }(2.5)}
	require.NoError(t, store.CreateSample(ctx, s1))
	assert.False(t, s1.CreatedAt.IsZero())

	s2 := newTestSample("s2", "P1", domain.SampleTypeOocyte)
	s2.CollectionDate = baseTime.Add(-time.Hour)
	s2.TreatmentCycleID = strPtr("cycle-1")
	require.NoError(t, store.CreateSample(ctx, s2))
	require.NoError(t, store.CreateSample(ctx, newTestSample("s3", "P2", domain.SampleTypeEmbryo)))

	err := store.CreateSample(ctx, newTestSample("s1", "P1", domain.SampleTypeSperm))
	assert.Equal(t, domain.ErrValidation, domain.ErrorCode(err))

	got, err := store.GetSample(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SampleTypeSperm, got.Type)
	assert.Equal(t, domain.StatusCollected, got.Status)
	require.IsType(t, &domain.SpermQuality{}, got.Quality)
	assert.Equal(t, 2.5, *got.Quality.(*domain.SpermQuality).Volume)
	assert.True(t, got.CollectionDate.Equal(baseTime))

	_, err = store.GetSample(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))

	list, err := store.ListSamplesByPatient(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID, "oldest collection first")
	assert.Equal(t, "cycle-1", list[0].CycleTag())

	// Details never touch status
	got.Status = domain.StatusFrozen
	got.Notes = "re-labelled"
	got.CanFrozen = true
	require.NoError(t, store.SaveSampleDetails(ctx, got))

	reloaded, err := store.GetSample(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCollected, reloaded.Status)
	assert.Equal(t, "re-labelled", reloaded.Notes)
	assert.True(t, reloaded.CanFrozen)

	err = store.SaveSampleDetails(ctx, newTestSample("ghost", "P1", domain.SampleTypeSperm))
	assert.True(t, domain.IsNotFound(err))
}

func testCompareAndSet(t *testing.T, store domain.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateSample(ctx, newTestSample("s1", "P1", domain.SampleTypeSperm)))

	updated, err := store.CompareAndSetStatus(ctx, "s1", domain.StatusCollected, domain.StatusQualityChecked)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQualityChecked, updated.Status)

	_, err = store.CompareAndSetStatus(ctx, "s1", domain.StatusCollected, domain.StatusQualityChecked)
	var illegal *domain.IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, domain.StatusQualityChecked, illegal.From)

	_, err = store.CompareAndSetStatus(ctx, "nope", domain.StatusCollected, domain.StatusQualityChecked)
	assert.True(t, domain.IsNotFound(err))
}

func testLocations(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedTank(t, store)

	roots, err := store.GetRoots(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, domain.LocationTank, roots[0].Type)
	assert.Nil(t, roots[0].ParentID)

	children, err := store.GetChildren(ctx, "G1")
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, c := range children {
		assert.True(t, c.IsSlot())
		assert.Equal(t, "G1", *c.ParentID)
	}

	slotChildren, err := store.GetChildren(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, slotChildren)

	_, err = store.GetChildren(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))

	err = store.CreateLocation(ctx, &domain.CryoLocationNode{ID: "X", Name: "Nested", Type: domain.LocationSlot, ParentID: strPtr("S1")})
	assert.Equal(t, domain.ErrValidation, domain.ErrorCode(err))

	err = store.CreateLocation(ctx, &domain.CryoLocationNode{ID: "Y", Name: "Orphan", Type: domain.LocationSlot, ParentID: strPtr("nowhere")})
	assert.True(t, domain.IsNotFound(err))

	node, err := store.GetLocation(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "Canister 1", node.Name)
	assert.Equal(t, 0, node.SampleCount)
}

func testCommitImport(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedTank(t, store)
	seedSample(t, store, "s1", domain.StatusQualityChecked)
	seedSample(t, store, "s2", domain.StatusQualityChecked)

	rec, err := store.CommitImport(ctx, domain.ImportCommit{
		Record: importRecord("s1", "S1", baseTime),
		From:   domain.StatusQualityChecked,
		To:     domain.StatusFrozen,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Positive(t, rec.Sequence)

	sample, err := store.GetSample(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFrozen, sample.Status)

	// Occupied slot
	_, err = store.CommitImport(ctx, domain.ImportCommit{
		Record: importRecord("s2", "S1", baseTime.Add(time.Minute)),
		From:   domain.StatusQualityChecked,
		To:     domain.StatusFrozen,
	})
	var occupied *domain.SlotOccupiedError
	require.True(t, errors.As(err, &occupied), "got %v", err)
	assert.Equal(t, "s1", occupied.OccupantID)

	// Non-leaf target
	_, err = store.CommitImport(ctx, domain.ImportCommit{
		Record: importRecord("s2", "G1", baseTime.Add(time.Minute)),
		From:   domain.StatusQualityChecked,
		To:     domain.StatusFrozen,
	})
	assert.Equal(t, domain.ErrNotASlot, domain.ErrorCode(err))

	// Stale status
	_, err = store.CommitImport(ctx, domain.ImportCommit{
		Record: importRecord("s2", "S2", baseTime.Add(time.Minute)),
		From:   domain.StatusCollected,
		To:     domain.StatusFrozen,
	})
	assert.Equal(t, domain.ErrIllegalTransition, domain.ErrorCode(err))

	node, err := store.GetLocation(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, node.SampleCount)

	// Retrieval vacates the slot without touching the ledger
	_, err = store.CompareAndSetStatus(ctx, "s1", domain.StatusFrozen, domain.StatusThawed)
	require.NoError(t, err)

	_, err = store.CommitImport(ctx, domain.ImportCommit{
		Record: importRecord("s2", "S1", baseTime.Add(2*time.Minute)),
		From:   domain.StatusQualityChecked,
		To:     domain.StatusStored,
	})
	require.NoError(t, err)

	history, err := store.ListImportsBySlot(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "s1", history[0].SampleID)
	assert.Equal(t, "s2", history[1].SampleID)
	assert.Less(t, history[0].Sequence, history[1].Sequence)

	bySample, err := store.ListImportsBySample(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, bySample, 1)
	assert.Equal(t, rec.ID, bySample[0].ID)
	assert.Equal(t, "U1", bySample[0].ImportedBy)
	assert.Equal(t, -196.0, bySample[0].Temperature)
}

func testMove(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedTank(t, store)
	seedSample(t, store, "s1", domain.StatusQualityChecked)
	seedSample(t, store, "s2", domain.StatusQualityChecked)

	_, err := store.CommitImport(ctx, domain.ImportCommit{
		Record: importRecord("s1", "S1", baseTime), From: domain.StatusQualityChecked, To: domain.StatusFrozen,
	})
	require.NoError(t, err)

	_, err = store.CommitImport(ctx, domain.ImportCommit{
		Record: importRecord("s1", "S2", baseTime.Add(time.Hour)), From: domain.StatusFrozen, To: domain.StatusFrozen,
	})
	require.NoError(t, err)

	// S1 is free again
	_, err = store.CommitImport(ctx, domain.ImportCommit{
		Record: importRecord("s2", "S1", baseTime.Add(2*time.Hour)), From: domain.StatusQualityChecked, To: domain.StatusFrozen,
	})
	require.NoError(t, err)

	slots, err := store.GetChildren(ctx, "G1")
	require.NoError(t, err)
	counts := map[string]int{}
	for _, s := range slots {
		counts[s.ID] = s.SampleCount
	}
	assert.Equal(t, map[string]int{"S1": 1, "S2": 1, "S3": 0}, counts)
}

func testConcurrentImports(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedTank(t, store)

	const contenders = 8
	for i := 0; i < contenders; i++ {
		seedSample(t, store, fmt.Sprintf("c%d", i), domain.StatusQualityChecked)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		occupied  int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CommitImport(ctx, domain.ImportCommit{
				Record: importRecord(fmt.Sprintf("c%d", i), "S3", baseTime.Add(time.Duration(i)*time.Second)),
				From:   domain.StatusQualityChecked,
				To:     domain.StatusFrozen,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case domain.ErrorCode(err) == domain.ErrSlotOccupied:
				occupied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, contenders-1, occupied)

	records, err := store.ListImportsBySlot(ctx, "S3")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLatestPlacements(t *testing.T) {
	records := []*domain.CryoImportRecord{
		{SampleID: "a", SlotID: "S1", ImportDate: baseTime, Sequence: 1},
		{SampleID: "a", SlotID: "S2", ImportDate: baseTime, Sequence: 2},
		{SampleID: "b", SlotID: "S3", ImportDate: baseTime.Add(time.Hour), Sequence: 3},
		{SampleID: "b", SlotID: "S4", ImportDate: baseTime, Sequence: 4},
	}

	latest := latestPlacements(records)

	assert.Equal(t, "S2", latest["a"].SlotID, "sequence breaks timestamp ties")
	assert.Equal(t, "S3", latest["b"].SlotID, "import date wins over sequence")
}

func TestStoreError(t *testing.T) {
	assert.NoError(t, storeError("read", nil))

	notFound := &domain.NotFoundError{Entity: "sample", ID: "s1"}
	assert.Same(t, notFound, storeError("read", notFound))

	err := storeError("read sample", errors.New("connection reset by peer"))
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, "read sample: connection reset by peer", err.Error())

	for _, integrity := range []error{
		&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"},
		errors.New("constraint failed: CHECK constraint failed: imported_by <> witnessed_by"),
		errors.New("cryo_imports is append-only"),
	} {
		err := storeError("insert import", integrity)
		assert.False(t, domain.IsTransient(err), integrity.Error())
		assert.Equal(t, domain.ErrInternalServer, domain.ErrorCode(err))
	}
}
