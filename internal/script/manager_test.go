//go:build !no_scripts

package script

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManagerListAndGet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Dir() != dir {
		t.Errorf("Dir = %q, want %q", m.Dir(), dir)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("scripts dir not created: %v", err)
	}

	files := map[string]string{
		"flash_both.lua": "-- flash both cores\nota.update(arg[1], \"cm7\")\n",
		"plain.lua":      "ota.log(\"x\")\n",
		"notes.txt":      "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 2 {
		t.Fatalf("list count = %d, want 2", len(scripts))
	}

	s, err := m.Get("flash_both")
	if err != nil {
		t.Fatal(err)
	}
	if s.Description != "flash both cores" {
		t.Errorf("description = %q", s.Description)
	}

	p, err := m.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if p.Description != "" {
		t.Errorf("plain description = %q, want empty", p.Description)
	}
}

func TestManagerRejectsBadIDs(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", ".", "..", "../etc/passwd", "a/b", `a\b`} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) should fail", id)
		}
	}
}
