package objmap

import "sync"

// RegistryShadow mirrors every wl_registry.global the proxy has observed
// from upstream, independent of whether the client was ever told about
// it. It lets screen_bind detect a client trying to bind a global the
// proxy hid, which is treated as a protocol violation rather than a
// silent drop.
type RegistryShadow struct {
	mu      sync.Mutex
	globals map[uint32]Binding
}

// NewRegistryShadow returns an empty shadow.
func NewRegistryShadow() *RegistryShadow {
	return &RegistryShadow{globals: make(map[uint32]Binding)}
}

// Add records a wl_registry.global advertisement, overwriting any
// previous binding registered under the same name.
func (r *RegistryShadow) Add(name uint32, iface string, version uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globals[name] = Binding{Interface: iface, Version: version}
}

// Remove drops a name on wl_registry.global_remove.
func (r *RegistryShadow) Remove(name uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.globals, name)
}

// Lookup returns the (interface, version) advertised under name.
func (r *RegistryShadow) Lookup(name uint32) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.globals[name]
	return b, ok
}
