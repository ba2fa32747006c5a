package schema

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleProtocol = `<?xml version="1.0" encoding="UTF-8"?>
<protocol name="sample">
  <interface name="wl_registry" version="1">
    <request name="bind">
      <arg name="name" type="uint"/>
      <arg name="id" type="new_id"/>
    </request>
    <event name="global">
      <arg name="name" type="uint"/>
      <arg name="interface" type="string"/>
      <arg name="version" type="uint"/>
    </event>
    <event name="global_remove">
      <arg name="name" type="uint"/>
    </event>
  </interface>
  <interface name="wl_compositor" version="5">
    <request name="create_surface">
      <arg name="id" type="new_id" interface="wl_surface"/>
    </request>
  </interface>
  <interface name="wl_surface" version="5">
    <request name="destroy" type="destructor"/>
  </interface>
</protocol>
`

func writeProtocol(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestLoad_Basic(t *testing.T) {
	dir := t.TempDir()
	writeProtocol(t, dir, "sample.xml", sampleProtocol)

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	iface, ok := s.LookupInterface("wl_registry")
	if !ok {
		t.Fatal("expected wl_registry to be known")
	}
	if len(iface.Requests) != 1 || iface.Requests[0].Name != "bind" {
		t.Fatalf("unexpected wl_registry requests: %+v", iface.Requests)
	}
	if !iface.Requests[0].Constructor {
		t.Error("expected bind to be a constructor (untyped new_id)")
	}
	if iface.Requests[0].NewIDInterface != "" {
		t.Errorf("expected untyped new_id interface to be empty, got %q", iface.Requests[0].NewIDInterface)
	}

	opcode, ok := s.LookupRequestByName("wl_compositor", "create_surface")
	if !ok || opcode != 0 {
		t.Fatalf("LookupRequestByName(wl_compositor, create_surface) = %d, %v", opcode, ok)
	}

	msg, ok := s.LookupRequest("wl_compositor", 0)
	if !ok || !msg.Constructor || msg.NewIDInterface != "wl_surface" {
		t.Fatalf("unexpected create_surface descriptor: %+v", msg)
	}

	destroy, ok := s.LookupRequest("wl_surface", 0)
	if !ok || !destroy.Destructor {
		t.Fatalf("expected wl_surface.destroy to be a destructor: %+v", destroy)
	}

	if s.HasInterface("wl_shm") {
		t.Error("expected wl_shm to be unknown in this fixture")
	}
}

func TestLoad_DuplicateInterface(t *testing.T) {
	dir := t.TempDir()
	writeProtocol(t, dir, "a.xml", sampleProtocol)
	writeProtocol(t, dir, "b.xml", sampleProtocol)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected Load() to fail on duplicate interface names across files")
	}
}

func TestLoad_UnknownArgType(t *testing.T) {
	dir := t.TempDir()
	writeProtocol(t, dir, "bad.xml", `<?xml version="1.0"?>
<protocol name="bad">
  <interface name="broken" version="1">
    <request name="weird">
      <arg name="x" type="not_a_real_type"/>
    </request>
  </interface>
</protocol>
`)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected Load() to reject an unknown argument type")
	}
}

func TestLookupEvent_UnknownOpcode(t *testing.T) {
	dir := t.TempDir()
	writeProtocol(t, dir, "sample.xml", sampleProtocol)
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if _, ok := s.LookupEvent("wl_registry", 99); ok {
		t.Error("expected LookupEvent to fail for an out-of-range opcode")
	}
	if _, ok := s.LookupEvent("does_not_exist", 0); ok {
		t.Error("expected LookupEvent to fail for an unknown interface")
	}
}
