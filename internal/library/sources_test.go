package library

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsEmptyRegistry(t *testing.T) {
	registry, err := Load(filepath.Join(t.TempDir(), "sources.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(registry.Sources()) != 0 {
		t.Fatalf("expected empty registry, got %d sources", len(registry.Sources()))
	}
}

func TestAddPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.toml")
	root := filepath.Join(dir, "Drum Breaks")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	registry, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	source, err := registry.Add("", root)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if source.ID != "drum-breaks" {
		t.Fatalf("derived id = %q, want drum-breaks", source.ID)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after save error = %v", err)
	}
	got, ok := reloaded.Lookup("drum-breaks")
	if !ok {
		t.Fatal("source missing after reload")
	}
	if got.Root != root {
		t.Fatalf("root = %q, want %q", got.Root, root)
	}
}

func TestAddRejectsDuplicateIDAndRoot(t *testing.T) {
	dir := t.TempDir()
	rootA := filepath.Join(dir, "a")
	rootB := filepath.Join(dir, "b")
	for _, root := range []string{rootA, rootB} {
		if err := os.MkdirAll(root, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	registry, err := Load(filepath.Join(dir, "sources.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := registry.Add("crates", rootA); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := registry.Add("crates", rootB); err == nil {
		t.Fatal("expected duplicate id error")
	}
	if _, err := registry.Add("other", rootA); err == nil {
		t.Fatal("expected duplicate root error")
	}
}

func TestAddUniquifiesDerivedID(t *testing.T) {
	dir := t.TempDir()
	rootA := filepath.Join(dir, "one", "loops")
	rootB := filepath.Join(dir, "two", "loops")
	for _, root := range []string{rootA, rootB} {
		if err := os.MkdirAll(root, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	registry, err := Load(filepath.Join(dir, "sources.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	first, err := registry.Add("", rootA)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	second, err := registry.Add("", rootB)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if first.ID != "loops" || second.ID != "loops-2" {
		t.Fatalf("ids = %q, %q; want loops, loops-2", first.ID, second.ID)
	}
}

func TestAddRejectsMissingRoot(t *testing.T) {
	dir := t.TempDir()
	registry, err := Load(filepath.Join(dir, "sources.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := registry.Add("broken", filepath.Join(dir, "nope")); err == nil {
		t.Fatal("expected stat error for missing root")
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "loops")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "sources.toml")

	registry, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := registry.Add("loops", root); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	removed, err := registry.Remove("loops")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !removed {
		t.Fatal("Remove() = false, want true")
	}
	removed, err = registry.Remove("loops")
	if err != nil {
		t.Fatalf("Remove() second call error = %v", err)
	}
	if removed {
		t.Fatal("Remove() on absent id = true, want false")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reloaded.Sources()) != 0 {
		t.Fatalf("expected no sources after removal, got %d", len(reloaded.Sources()))
	}
}
