// Package objmap tracks the live object-id -> (interface, version)
// bindings for one Session, plus the registry "global name -> (interface,
// version)" shadow used to filter and validate wl_registry traffic.
//
// A Session reads both directions concurrently (one goroutine per
// endpoint feeding its dispatch loop), so lookups from either direction's
// reader can race with registrations/unregistrations decided by the
// dispatch loop. Map and RegistryShadow guard themselves with a mutex
// rather than pushing that requirement onto every caller.
package objmap

import (
	"fmt"
	"sync"
)

// DisplayInterface and DisplayID are fixed by the Wayland protocol: object
// id 1 always names wl_display on a freshly connected session.
const (
	DisplayInterface = "wl_display"
	DisplayID        = uint32(1)
	NullID           = uint32(0)

	// ServerIDFlag marks ids allocated by the server (the compositor or,
	// on the upstream-facing side of a constructor forward, the proxy
	// itself echoing what it saw).
	ServerIDFlag = uint32(0xFF000000)
)

// Binding is the live interface+version of one object id.
type Binding struct {
	Interface string
	Version   uint32
}

// Map is the per-session object table.
type Map struct {
	mu      sync.Mutex
	objects map[uint32]Binding
}

// New returns a Map with only wl_display pre-registered under object id 1,
// as every Wayland connection starts.
func New() *Map {
	m := &Map{objects: make(map[uint32]Binding)}
	m.objects[DisplayID] = Binding{Interface: DisplayInterface, Version: 1}
	return m
}

// Register installs a newly constructed object. It fails if id is
// already live.
func (m *Map) Register(id uint32, iface string, version uint32) error {
	if id == NullID {
		return fmt.Errorf("objmap: cannot register the null object id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[id]; exists {
		return fmt.Errorf("objmap: object id %d is already live", id)
	}
	m.objects[id] = Binding{Interface: iface, Version: version}
	return nil
}

// Unregister removes id from the map, e.g. on a destructor request or a
// wl_display.delete_id event. Unregistering an id that was never live is
// a silent no-op: both directions can observe the same deletion path
// (an explicit destructor request, then the server's delete_id event).
func (m *Map) Unregister(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
}

// Lookup returns the binding for id, if any object is currently live
// under that id.
func (m *Map) Lookup(id uint32) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[id]
	return b, ok
}

// IsServerAllocated reports whether id falls in the server-owned id
// range: ids at or above ServerIDFlag (0xFF000000) are allocated by the
// server, never the client.
func IsServerAllocated(id uint32) bool {
	return id >= ServerIDFlag
}
