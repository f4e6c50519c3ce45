package main

import (
	"bufio"
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestProfileFileRoundTrip(t *testing.T) {
	t.Setenv("MARKERCTL_PROFILE", "")
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	f, err := openProfiles(path)
	if err != nil {
		t.Fatalf("open missing file: %v", err)
	}
	name, p := f.active("")
	if name != defaultProfile || p.BaseURL != "" {
		t.Fatalf("unexpected active profile %q %+v", name, p)
	}

	f.put("local", profile{BaseURL: "http://localhost:8080"}, false)
	f.put("prod", profile{BaseURL: "https://marker.example", AdminToken: "secret-token"}, false)
	if err := f.save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, err := openProfiles(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if name, _ := again.active(""); name != "local" {
		t.Fatalf("first profile should be current, got %q", name)
	}
	if _, p := again.active("prod"); p.AdminToken != "secret-token" {
		t.Fatalf("flag did not select prod: %+v", p)
	}
	t.Setenv("MARKERCTL_PROFILE", "prod")
	if name, _ := again.active(""); name != "prod" {
		t.Fatalf("env did not select prod, got %q", name)
	}
}

func TestAskerDefaults(t *testing.T) {
	var out bytes.Buffer
	q := &asker{in: bufio.NewReader(strings.NewReader("\nhttp://other:9000\n")), out: &out, fd: -1}
	if got := q.ask("Base URL", "http://localhost:8080"); got != "http://localhost:8080" {
		t.Fatalf("blank answer should keep default, got %q", got)
	}
	if got := q.ask("Base URL", "http://localhost:8080"); got != "http://other:9000" {
		t.Fatalf("unexpected answer %q", got)
	}
	if !strings.Contains(out.String(), "Base URL [http://localhost:8080]: ") {
		t.Fatalf("prompt not written: %q", out.String())
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("abc"); got != "***" {
		t.Fatalf("short token: %q", got)
	}
	if got := maskToken("abcdefghij"); got != "abc****hij" {
		t.Fatalf("long token: %q", got)
	}
}

func TestHelpShowsProfilePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MARKERCTL_CONFIG_DIR", dir)
	help := helpTemplate(newUI())
	if !strings.Contains(help, filepath.Join(dir, "config.yaml")) {
		t.Fatalf("help does not name the profile file:\n%s", help)
	}
}
