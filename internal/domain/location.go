package domain

import (
	"strings"
	"time"
)

// LocationType is a level of the cryo storage hierarchy
type LocationType string

const (
	LocationTank     LocationType = "Tank"
	LocationCanister LocationType = "Canister"
	LocationGoblet   LocationType = "Goblet"
	LocationSlot     LocationType = "Slot"
)

// NormalizeLocationType matches the four level names case-insensitively.
// Anything unrecognised is treated as a Slot.
func NormalizeLocationType(value string) LocationType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "tank":
		return LocationTank
	case "canister":
		return LocationCanister
	case "goblet":
		return LocationGoblet
	default:
		return LocationSlot
	}
}

// ChildType returns the level directly below t, or "" for a Slot
func (t LocationType) ChildType() LocationType {
	switch t {
	case LocationTank:
		return LocationCanister
	case LocationCanister:
		return LocationGoblet
	case LocationGoblet:
		return LocationSlot
	}
	return ""
}

// CryoLocationNode is a node of the storage topology
type CryoLocationNode struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Type        LocationType        `json:"type"`
	ParentID    *string             `json:"parentId"`
	Children    []*CryoLocationNode `json:"children,omitempty"`
	Loaded      bool                `json:"loaded"`
	SampleCount int                 `json:"sampleCount"`
	CreatedAt   time.Time           `json:"createdAt,omitempty"`
}

// IsSlot reports whether the node is a leaf storage position
func (n *CryoLocationNode) IsSlot() bool {
	return n != nil && n.Type == LocationSlot
}

// Clone copies the node without its children
func (n *CryoLocationNode) Clone() *CryoLocationNode {
	if n == nil {
		return nil
	}
	cp := *n
	if n.ParentID != nil {
		parent := *n.ParentID
		cp.ParentID = &parent
	}
	cp.Children = nil
	cp.Loaded = false
	return &cp
}

// TankLayout describes a tank to provision
type TankLayout struct {
	Name               string `json:"name"`
	Canisters          int    `json:"canisters"`
	GobletsPerCanister int    `json:"gobletsPerCanister"`
	SlotsPerGoblet     int    `json:"slotsPerGoblet"`
}
