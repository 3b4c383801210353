package homeassistant

import (
	"context"
	"strings"
)

// Entity is one platform entity as seen in a state snapshot.
type Entity struct {
	EntityID     string   `json:"entity_id"`
	State        string   `json:"state"`
	FriendlyName string   `json:"friendly_name"`
	Aliases      []string `json:"aliases,omitempty"`
	AreaID       string   `json:"area_id,omitempty"`
}

// Domain returns the part of the entity id before the first dot.
func (e Entity) Domain() string {
	if i := strings.IndexByte(e.EntityID, '.'); i > 0 {
		return e.EntityID[:i]
	}
	return ""
}

// Area is a logical room/zone known to the platform.
type Area struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// Snapshot is a read-only view of live platform state, taken once per request
// (or served from the TTL cache).
type Snapshot struct {
	Entities []Entity `json:"entities"`
	Areas    []Area   `json:"areas"`
}

// EntityByID returns the entity with the exact id, if present.
func (s *Snapshot) EntityByID(id string) (Entity, bool) {
	for _, e := range s.Entities {
		if e.EntityID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// EntitiesInArea returns all entities assigned to the given area id.
func (s *Snapshot) EntitiesInArea(areaID string) []Entity {
	var out []Entity
	for _, e := range s.Entities {
		if e.AreaID == areaID {
			out = append(out, e)
		}
	}
	return out
}

// Target selects the entities a service call applies to.
type Target struct {
	EntityIDs []string `json:"entity_id,omitempty"`
	AreaIDs   []string `json:"area_id,omitempty"`
}

// SnapshotProvider supplies read-only platform state.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// ServiceCaller executes one platform service call.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, target Target, data map[string]any) error
}
