package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/cryo-specimen-server/internal/domain"
)

// LocationTree is a read cache over the storage topology. Each node's children
// are fetched once and served from memory until Invalidate is called.
// Concurrent first expansions of the same node share one store round trip.
type LocationTree struct {
	store   domain.LocationStore
	logger  *logrus.Logger
	metrics *Metrics
	group   singleflight.Group

	mu          sync.RWMutex
	generation  uint64
	nodes       map[string]*domain.CryoLocationNode
	children    map[string][]string
	roots       []string
	rootsLoaded bool
}

// NewLocationTree creates an empty tree cache over store
func NewLocationTree(store domain.LocationStore, metrics *Metrics, logger *logrus.Logger) *LocationTree {
	return &LocationTree{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		nodes:    make(map[string]*domain.CryoLocationNode),
		children: make(map[string][]string),
	}
}

// IsLeaf reports whether a node is a Slot
func IsLeaf(node *domain.CryoLocationNode) bool {
	return node.IsSlot()
}

// Roots returns the top-level tanks, loading them on first use
func (t *LocationTree) Roots(ctx context.Context) ([]*domain.CryoLocationNode, error) {
	t.mu.RLock()
	if t.rootsLoaded {
		out := t.snapshotLocked(t.roots)
		t.mu.RUnlock()
		return out, nil
	}
	gen := t.generation
	t.mu.RUnlock()

	_, err, _ := t.group.Do(fmt.Sprintf("roots:%d", gen), func() (interface{}, error) {
		nodes, err := t.store.GetRoots(ctx)
		t.metrics.ObserveFetch(err)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.generation == gen {
			t.roots = t.rememberLocked(nodes)
			t.rootsLoaded = true
		}
		return nil, nil
	})
	if err != nil {
		t.logger.WithError(err).Warn("Failed to load location roots")
		return []*domain.CryoLocationNode{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked(t.roots), nil
}

// Children returns the children of nodeID, fetching them on first expansion.
// A failed fetch yields an empty list together with the error and leaves the
// node unloaded so the next call retries. Slots always have no children.
func (t *LocationTree) Children(ctx context.Context, nodeID string) ([]*domain.CryoLocationNode, error) {
	t.mu.RLock()
	node, known := t.nodes[nodeID]
	if known && node.IsSlot() {
		t.mu.RUnlock()
		return []*domain.CryoLocationNode{}, nil
	}
	if ids, ok := t.children[nodeID]; ok {
		out := t.snapshotLocked(ids)
		t.mu.RUnlock()
		return out, nil
	}
	gen := t.generation
	t.mu.RUnlock()

	_, err, shared := t.group.Do(fmt.Sprintf("children:%d:%s", gen, nodeID), func() (interface{}, error) {
		return nil, t.loadChildren(ctx, gen, nodeID, known)
	})
	if err != nil {
		if !domain.IsNotFound(err) {
			t.logger.WithFields(logrus.Fields{
				"location_id": nodeID,
				"error":       err,
			}).Warn("Failed to load location children")
		}
		return []*domain.CryoLocationNode{}, err
	}
	if shared {
		t.logger.WithField("location_id", nodeID).Debug("Shared in-flight children fetch")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked(t.children[nodeID]), nil
}

func (t *LocationTree) loadChildren(ctx context.Context, gen uint64, nodeID string, known bool) error {
	if !known {
		parent, err := t.store.GetLocation(ctx, nodeID)
		t.metrics.ObserveFetch(err)
		if err != nil {
			return err
		}
		parent = normalizeNode(parent)
		t.mu.Lock()
		if t.generation == gen {
			t.nodes[parent.ID] = parent
		}
		t.mu.Unlock()
		if parent.IsSlot() {
			return nil
		}
	}

	nodes, err := t.store.GetChildren(ctx, nodeID)
	t.metrics.ObserveFetch(err)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generation == gen {
		t.children[nodeID] = t.rememberLocked(nodes)
	}
	return nil
}

// Node returns a cached node, fetching it when unknown
func (t *LocationTree) Node(ctx context.Context, nodeID string) (*domain.CryoLocationNode, error) {
	t.mu.RLock()
	if node, ok := t.nodes[nodeID]; ok {
		out := t.viewLocked(node)
		t.mu.RUnlock()
		return out, nil
	}
	t.mu.RUnlock()

	node, err := t.store.GetLocation(ctx, nodeID)
	t.metrics.ObserveFetch(err)
	if err != nil {
		return nil, err
	}
	return normalizeNode(node), nil
}

// Invalidate drops the cached children of nodeID, or the whole cache when nodeID is empty
func (t *LocationTree) Invalidate(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation++
	if nodeID == "" {
		t.nodes = make(map[string]*domain.CryoLocationNode)
		t.children = make(map[string][]string)
		t.roots = nil
		t.rootsLoaded = false
		t.logger.Debug("Location cache cleared")
		return
	}
	delete(t.children, nodeID)
	t.logger.WithField("location_id", nodeID).Debug("Location cache entry invalidated")
}

// InvalidatePath drops a slot's ancestors so their sample counts are re-read
func (t *LocationTree) InvalidatePath(slotID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation++
	current, ok := t.nodes[slotID]
	for ok && current.ParentID != nil {
		delete(t.children, *current.ParentID)
		current, ok = t.nodes[*current.ParentID]
	}
	// Tank counts live on the root list
	t.rootsLoaded = false
}

// rememberLocked normalises, sorts and caches fetched nodes, returning their ids
func (t *LocationTree) rememberLocked(nodes []*domain.CryoLocationNode) []string {
	normalized := make([]*domain.CryoLocationNode, 0, len(nodes))
	for _, n := range nodes {
		normalized = append(normalized, normalizeNode(n))
	}
	SortLocations(normalized)

	ids := make([]string, 0, len(normalized))
	for _, n := range normalized {
		t.nodes[n.ID] = n
		ids = append(ids, n.ID)
	}
	return ids
}

func (t *LocationTree) snapshotLocked(ids []string) []*domain.CryoLocationNode {
	out := make([]*domain.CryoLocationNode, 0, len(ids))
	for _, id := range ids {
		if node, ok := t.nodes[id]; ok {
			out = append(out, t.viewLocked(node))
		}
	}
	return out
}

func (t *LocationTree) viewLocked(node *domain.CryoLocationNode) *domain.CryoLocationNode {
	view := node.Clone()
	if view.IsSlot() {
		view.Loaded = true
		return view
	}
	if ids, ok := t.children[node.ID]; ok {
		view.Loaded = true
		for _, id := range ids {
			if child, ok := t.nodes[id]; ok {
				view.Children = append(view.Children, child.Clone())
			}
		}
	}
	return view
}

func normalizeNode(n *domain.CryoLocationNode) *domain.CryoLocationNode {
	cp := n.Clone()
	cp.Type = domain.NormalizeLocationType(string(n.Type))
	return cp
}

// SortLocations orders siblings by the number embedded at the end of their
// name, so "Slot 2" sorts before "Slot 10"
func SortLocations(nodes []*domain.CryoLocationNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return lessByNumericSuffix(nodes[i].Name, nodes[j].Name)
	})
}

func lessByNumericSuffix(a, b string) bool {
	prefixA, numA, okA := splitNumericSuffix(a)
	prefixB, numB, okB := splitNumericSuffix(b)

	pa, pb := strings.ToLower(prefixA), strings.ToLower(prefixB)
	if pa != pb {
		return pa < pb
	}
	if okA != okB {
		// Unnumbered names first
		return !okA
	}
	if okA && numA != numB {
		return numA < numB
	}
	return a < b
}

func splitNumericSuffix(name string) (string, int, bool) {
	trimmed := strings.TrimRightFunc(name, unicode.IsSpace)
	end := len(trimmed)
	start := end
	for start > 0 && trimmed[start-1] >= '0' && trimmed[start-1] <= '9' {
		start--
	}
	if start == end {
		return trimmed, 0, false
	}
	n, err := strconv.Atoi(trimmed[start:end])
	if err != nil {
		return trimmed, 0, false
	}
	return strings.TrimRightFunc(trimmed[:start], func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_' || r == '#'
	}), n, true
}
