package vpn

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openconnect-go/client/common"
)

func TestLocateScript_Configured(t *testing.T) {
	script := writeScript(t)

	got, err := LocateScript(script)
	if err != nil {
		t.Fatalf("LocateScript: %v", err)
	}
	if got != script {
		t.Errorf("LocateScript() = %q, want %q", got, script)
	}
}

func TestLocateScript_ConfiguredNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not a script"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LocateScript(path); !errors.Is(err, common.ErrTunSetupFailed) {
		t.Errorf("LocateScript() error = %v, want ErrTunSetupFailed", err)
	}
}

func TestLocateScript_ConfiguredMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	if _, err := LocateScript(missing); !errors.Is(err, common.ErrTunSetupFailed) {
		t.Errorf("LocateScript() error = %v, want ErrTunSetupFailed", err)
	}
}

func TestLocateScript_SearchPaths(t *testing.T) {
	// Point the search list at a controlled directory so the test does
	// not depend on what the host has installed.
	dir := t.TempDir()
	installed := filepath.Join(dir, "vpnc-script")
	if err := os.WriteFile(installed, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	orig := scriptSearchPaths
	defer func() { scriptSearchPaths = orig }()
	scriptSearchPaths = []string{
		filepath.Join(dir, "missing"),
		installed,
	}

	got, err := LocateScript("")
	if err != nil {
		t.Fatalf("LocateScript: %v", err)
	}
	if got != installed {
		t.Errorf("LocateScript() = %q, want %q", got, installed)
	}

	scriptSearchPaths = []string{filepath.Join(dir, "missing")}
	if _, err := LocateScript(""); !errors.Is(err, common.ErrTunSetupFailed) {
		t.Errorf("LocateScript() with no candidates error = %v, want ErrTunSetupFailed", err)
	}
}
