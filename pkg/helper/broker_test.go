package helper

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestAsk_NoCommandAllowsByDefault(t *testing.T) {
	b := New("", "", time.Second)
	allow, err := b.Ask(context.Background(), "wl_data_device", "set_selection", "", nil, nil)
	if err != nil || !allow {
		t.Fatalf("Ask with no askCmd = %v, %v; want allow, nil", allow, err)
	}
}

func TestAsk_ExitZeroAllows(t *testing.T) {
	b := New(scriptThatExits(t, 0), "", time.Second)
	allow, err := b.Ask(context.Background(), "wl_data_device", "set_selection", "", nil, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !allow {
		t.Error("expected a zero-exit helper to allow")
	}
}

func TestAsk_NonzeroExitDenies(t *testing.T) {
	b := New(scriptThatExits(t, 1), "", time.Second)
	allow, err := b.Ask(context.Background(), "wl_data_device", "set_selection", "", nil, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if allow {
		t.Error("expected a nonzero-exit helper to deny")
	}
}

func TestAsk_MissingBinaryDenies(t *testing.T) {
	b := New("/no/such/helper-binary", "", time.Second)
	allow, err := b.Ask(context.Background(), "wl_data_device", "set_selection", "", nil, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if allow {
		t.Error("expected a missing helper binary to deny")
	}
}

func TestAsk_TimeoutDenies(t *testing.T) {
	b := New(scriptThatSleeps(t, time.Second), "", 10*time.Millisecond)
	allow, err := b.Ask(context.Background(), "wl_data_device", "set_selection", "", nil, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if allow {
		t.Error("expected a timed-out helper to deny")
	}
}

func TestNotify_DoesNotBlock(t *testing.T) {
	b := New("", scriptThatSleeps(t, time.Second), time.Second)
	done := make(chan struct{})
	go func() {
		b.Notify("wl_data_device", "set_selection", "selection set", nil, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked instead of returning once the helper started")
	}
}

// scriptThatExits writes a small shell script ignoring its argv and exiting
// with code, returning its path.
func scriptThatExits(t *testing.T, code int) string {
	t.Helper()
	path := t.TempDir() + "/exit.sh"
	script := "#!/bin/sh\nexit " + strconv.Itoa(code) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing helper script: %v", err)
	}
	return path
}

// scriptThatSleeps writes a small shell script ignoring its argv and
// sleeping for roughly d (rounded to the nearest whole second, at least
// one) before exiting 0,
// returning its path.
func scriptThatSleeps(t *testing.T, d time.Duration) string {
	t.Helper()
	seconds := int(d.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	path := t.TempDir() + "/sleep.sh"
	script := "#!/bin/sh\nsleep " + strconv.Itoa(seconds) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing helper script: %v", err)
	}
	return path
}

func TestNotify_NoCommandIsNoop(t *testing.T) {
	b := New("", "", time.Second)
	b.Notify("wl_data_device", "set_selection", "", nil, nil)
}

func TestBuildEnv_CarriesMsgJSONAndToplevel(t *testing.T) {
	env := buildEnv(map[string]string{"mime_type": "text/plain"}, &Toplevel{Title: "Editor", AppID: "org.example.Editor"})

	var msgJSON, title, appID string
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "WL_MITM_MSG_JSON="):
			msgJSON = strings.TrimPrefix(kv, "WL_MITM_MSG_JSON=")
		case strings.HasPrefix(kv, "WL_MITM_LAST_TOPLEVEL_TITLE="):
			title = strings.TrimPrefix(kv, "WL_MITM_LAST_TOPLEVEL_TITLE=")
		case strings.HasPrefix(kv, "WL_MITM_LAST_TOPLEVEL_APP_ID="):
			appID = strings.TrimPrefix(kv, "WL_MITM_LAST_TOPLEVEL_APP_ID=")
		}
	}
	if !strings.Contains(msgJSON, "text/plain") {
		t.Errorf("WL_MITM_MSG_JSON = %q, want it to contain the mime type", msgJSON)
	}
	if title != "Editor" {
		t.Errorf("title = %q, want Editor", title)
	}
	if appID != "org.example.Editor" {
		t.Errorf("appID = %q, want org.example.Editor", appID)
	}
}

func TestBuildEnv_NilToplevelOmitsHints(t *testing.T) {
	env := buildEnv(nil, nil)
	for _, kv := range env {
		if strings.HasPrefix(kv, "WL_MITM_LAST_TOPLEVEL_") {
			t.Errorf("did not expect a toplevel hint with a nil Toplevel, got %q", kv)
		}
	}
}

func TestBuildEnv_InheritsAmbientEnvironment(t *testing.T) {
	if err := os.Setenv("WLMITM_TEST_AMBIENT_VAR", "present"); err != nil {
		t.Fatalf("Setenv: %v", err)
	}
	defer os.Unsetenv("WLMITM_TEST_AMBIENT_VAR")

	env := buildEnv(nil, nil)
	for _, kv := range env {
		if kv == "WLMITM_TEST_AMBIENT_VAR=present" {
			return
		}
	}
	t.Error("expected buildEnv to preserve the ambient process environment")
}
