package listener

import (
	"net"
	"os"
	"testing"
	"time"

	"wlmitm/pkg/config"
	"wlmitm/pkg/schema"
)

func TestResolvePath_Absolute(t *testing.T) {
	got, err := ResolvePath("/tmp/wayland-mitm-0")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if got != "/tmp/wayland-mitm-0" {
		t.Errorf("got %q", got)
	}
}

func TestResolvePath_RelativeJoinsRuntimeDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	got, err := ResolvePath("wayland-mitm-0")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	want := dir + "/wayland-mitm-0"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolvePath_EscapeRejected(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	if _, err := ResolvePath("../../etc/passwd"); err == nil {
		t.Fatal("expected an escaping relative path to be rejected")
	}
}

func TestResolvePath_MissingRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")

	if _, err := ResolvePath("wayland-mitm-0"); err == nil {
		t.Fatal("expected an error when XDG_RUNTIME_DIR is unset for a relative path")
	}
}

func TestNewAndRun_AcceptsAndForwards(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	upstreamAddr, err := net.ResolveUnixAddr("unix", dir+"/upstream-sock")
	if err != nil {
		t.Fatalf("ResolveUnixAddr: %v", err)
	}
	upstreamLn, err := net.ListenUnix("unix", upstreamAddr)
	if err != nil {
		t.Fatalf("ListenUnix (fake upstream): %v", err)
	}
	defer upstreamLn.Close()

	schemaDir := t.TempDir()
	if err := os.WriteFile(schemaDir+"/test.xml", []byte(`<?xml version="1.0"?><protocol name="t"><interface name="wl_display" version="1"></interface></protocol>`), 0644); err != nil {
		t.Fatalf("writing schema: %v", err)
	}
	s, err := schema.Load(schemaDir)
	if err != nil {
		t.Fatalf("schema.Load: %v", err)
	}

	cfg := &config.Config{
		Socket: config.SocketConfig{Listen: "proxy-sock", Upstream: dir + "/upstream-sock"},
	}

	l, err := New(cfg, s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	go l.Run()

	// A real upstream compositor would Accept; here we just confirm the
	// client's connection attempt succeeds and the listener dialed
	// upstream on its behalf.
	clientConn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: dir + "/proxy-sock", Net: "unix"})
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer clientConn.Close()

	upConn, err := upstreamLn.AcceptUnix()
	if err != nil {
		t.Fatalf("fake upstream did not see a connection from the listener: %v", err)
	}
	defer upConn.Close()

	if info, err := os.Stat(dir + "/proxy-sock"); err != nil {
		t.Fatalf("Stat listen socket: %v", err)
	} else if info.Mode().Perm() != 0700 {
		t.Errorf("listen socket mode = %v, want 0700", info.Mode().Perm())
	}

	clientConn.SetDeadline(time.Now().Add(time.Second))
	upConn.SetDeadline(time.Now().Add(time.Second))
}
