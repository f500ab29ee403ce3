package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryo-specimen-server/internal/domain"
)

// MemoryStore implements domain.Store in process memory. A single RWMutex
// serialises writers, which makes CommitImport atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	samples   map[string]*domain.Sample
	locations map[string]*domain.CryoLocationNode
	children  map[string][]string
	roots     []string
	records   []*domain.CryoImportRecord
	seq       int64
	now       func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples:   make(map[string]*domain.Sample),
		locations: make(map[string]*domain.CryoLocationNode),
		children:  make(map[string][]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateSample inserts a new sample
func (s *MemoryStore) CreateSample(ctx context.Context, sample *domain.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.samples[sample.ID]; exists {
		return domain.NewValidationError("id", "sample already exists", sample.ID)
	}
	for _, existing := range s.samples {
		if existing.Code == sample.Code {
			return domain.NewValidationError("code", "sample code already in use", sample.Code)
		}
	}
	now := s.now()
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = now
	}
	sample.UpdatedAt = now
	s.samples[sample.ID] = sample.Clone()
	return nil
}

// GetSample returns a copy of the sample
func (s *MemoryStore) GetSample(ctx context.Context, id string) (*domain.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sample, ok := s.samples[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "sample", ID: id}
	}
	return sample.Clone(), nil
}

// ListSamplesByPatient returns the patient's samples, oldest collection first
func (s *MemoryStore) ListSamplesByPatient(ctx context.Context, patientID string) ([]*domain.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Sample
	for _, sample := range s.samples {
		if sample.PatientID == patientID {
			out = append(out, sample.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CollectionDate.Equal(out[j].CollectionDate) {
			return out[i].CollectionDate.Before(out[j].CollectionDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveSampleDetails stores everything except the status
func (s *MemoryStore) SaveSampleDetails(ctx context.Context, sample *domain.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.samples[sample.ID]
	if !ok {
		return &domain.NotFoundError{Entity: "sample", ID: sample.ID}
	}
	updated := sample.Clone()
	updated.Type = current.Type
	updated.Status = current.Status
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.now()
	s.samples[sample.ID] = updated
	sample.UpdatedAt = updated.UpdatedAt
	return nil
}

// CompareAndSetStatus moves the sample to `to` when it is still in `from`
func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, from, to domain.SampleStatus) (*domain.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sample, ok := s.samples[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "sample", ID: id}
	}
	if sample.Status != from {
		return nil, stalledStatus(sample, domain.ImportCommit{From: from, To: to})
	}
	sample.Status = to
	sample.UpdatedAt = s.now()
	return sample.Clone(), nil
}

// CreateLocation adds a topology node under an existing non-slot parent
func (s *MemoryStore) CreateLocation(ctx context.Context, node *domain.CryoLocationNode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locations[node.ID]; exists {
		return domain.NewValidationError("id", "location already exists", node.ID)
	}
	if node.ParentID != nil {
		parent, ok := s.locations[*node.ParentID]
		if !ok {
			return &domain.NotFoundError{Entity: "location", ID: *node.ParentID}
		}
		if parent.IsSlot() {
			return domain.NewValidationError("parentId", "a slot cannot have children", *node.ParentID)
		}
	}

	stored := node.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.locations[node.ID] = stored
	if node.ParentID == nil {
		s.roots = append(s.roots, node.ID)
	} else {
		s.children[*node.ParentID] = append(s.children[*node.ParentID], node.ID)
	}
	return nil
}

// GetRoots returns the top-level nodes with their advisory sample counts
func (s *MemoryStore) GetRoots(ctx context.Context) ([]*domain.CryoLocationNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodesLocked(s.roots), nil
}

// GetChildren returns the direct children of a node
func (s *MemoryStore) GetChildren(ctx context.Context, parentID string) ([]*domain.CryoLocationNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.locations[parentID]; !ok {
		return nil, &domain.NotFoundError{Entity: "location", ID: parentID}
	}
	return s.nodesLocked(s.children[parentID]), nil
}

// GetLocation returns a single node
func (s *MemoryStore) GetLocation(ctx context.Context, id string) (*domain.CryoLocationNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.locations[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "location", ID: id}
	}
	out := node.Clone()
	out.SampleCount = s.countLocked(id, s.occupiedSlotsLocked())
	return out, nil
}

func (s *MemoryStore) nodesLocked(ids []string) []*domain.CryoLocationNode {
	occupied := s.occupiedSlotsLocked()
	out := make([]*domain.CryoLocationNode, 0, len(ids))
	for _, id := range ids {
		node := s.locations[id].Clone()
		node.SampleCount = s.countLocked(id, occupied)
		out = append(out, node)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *MemoryStore) countLocked(id string, occupied map[string]string) int {
	count := 0
	if _, ok := occupied[id]; ok {
		count++
	}
	for _, child := range s.children[id] {
		count += s.countLocked(child, occupied)
	}
	return count
}

// occupiedSlotsLocked maps slot id to the active sample whose latest placement is that slot
func (s *MemoryStore) occupiedSlotsLocked() map[string]string {
	occupied := make(map[string]string)
	for sampleID, record := range latestPlacements(s.records) {
		if sample, ok := s.samples[sampleID]; ok && sample.Status.IsActive() {
			occupied[record.SlotID] = sampleID
		}
	}
	return occupied
}

func (s *MemoryStore) slotOccupantLocked(slotID, excludeSample string) string {
	var candidates []*domain.CryoImportRecord
	for _, r := range s.records {
		if r.SlotID == slotID {
			candidates = append(candidates, r)
		}
	}
	for _, c := range candidates {
		if c.SampleID == excludeSample {
			continue
		}
		var latest *domain.CryoImportRecord
		for _, r := range s.records {
			if r.SampleID == c.SampleID && (latest == nil || isLater(r, latest)) {
				latest = r
			}
		}
		sample, ok := s.samples[c.SampleID]
		if ok && latest.SlotID == slotID && sample.Status.IsActive() {
			return c.SampleID
		}
	}
	return ""
}

// ListImportsBySlot returns every record written against the slot
func (s *MemoryStore) ListImportsBySlot(ctx context.Context, slotID string) ([]*domain.CryoImportRecord, error) {
	return s.filterRecords(ctx, func(r *domain.CryoImportRecord) bool { return r.SlotID == slotID })
}

// ListImportsBySample returns every record written for the sample
func (s *MemoryStore) ListImportsBySample(ctx context.Context, sampleID string) ([]*domain.CryoImportRecord, error) {
	return s.filterRecords(ctx, func(r *domain.CryoImportRecord) bool { return r.SampleID == sampleID })
}

func (s *MemoryStore) filterRecords(ctx context.Context, keep func(*domain.CryoImportRecord) bool) ([]*domain.CryoImportRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.CryoImportRecord
	for _, r := range s.records {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AppendImport inserts a record and assigns its sequence. The target must be
// a slot, and it must be vacant when the sample is in an active status.
func (s *MemoryStore) AppendImport(ctx context.Context, record *domain.CryoImportRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.locations[record.SlotID]
	if !ok {
		return &domain.NotFoundError{Entity: "location", ID: record.SlotID}
	}
	if !slot.IsSlot() {
		return &domain.NotASlotError{LocationID: slot.ID, Type: slot.Type}
	}
	sample, ok := s.samples[record.SampleID]
	if !ok {
		return &domain.NotFoundError{Entity: "sample", ID: record.SampleID}
	}
	if sample.Status.IsActive() {
		if occupant := s.slotOccupantLocked(slot.ID, sample.ID); occupant != "" {
			return &domain.SlotOccupiedError{SlotID: slot.ID, OccupantID: occupant}
		}
	}
	s.appendLocked(record)
	return nil
}

func (s *MemoryStore) appendLocked(record *domain.CryoImportRecord) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	s.seq++
	record.Sequence = s.seq
	cp := *record
	s.records = append(s.records, &cp)
}

// CommitImport re-verifies vacancy and status, then appends and transitions in one step
func (s *MemoryStore) CommitImport(ctx context.Context, commit domain.ImportCommit) (*domain.CryoImportRecord, error) {
	if err := validateCommit(commit); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record := commit.Record
	slot, ok := s.locations[record.SlotID]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "location", ID: record.SlotID}
	}
	if !slot.IsSlot() {
		return nil, &domain.NotASlotError{LocationID: slot.ID, Type: slot.Type}
	}
	sample, ok := s.samples[record.SampleID]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "sample", ID: record.SampleID}
	}
	if occupant := s.slotOccupantLocked(slot.ID, sample.ID); occupant != "" {
		return nil, &domain.SlotOccupiedError{SlotID: slot.ID, OccupantID: occupant}
	}
	if sample.Status != commit.From {
		return nil, stalledStatus(sample, commit)
	}

	s.appendLocked(record)
	sample.Status = commit.To
	sample.UpdatedAt = s.now()

	cp := *record
	return &cp, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
