package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteIfChangedSkipsIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frr.conf")

	changed, err := WriteIfChanged(path, []byte("router bgp 65000\n"), 0o644)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if !changed {
		t.Fatal("first write: want changed=true for a new file")
	}

	changed, err = WriteIfChanged(path, []byte("router bgp 65000\n"), 0o644)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if changed {
		t.Fatal("second write: want changed=false when content is identical")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "router bgp 65000\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestWriteIfChangedDetectsModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg0.conf")

	if _, err := WriteIfChanged(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	changed, err := WriteIfChanged(path, []byte("v2"), 0o600)
	if err != nil {
		t.Fatalf("write v2: %v", err)
	}
	if !changed {
		t.Fatal("want changed=true when content differs")
	}
}

func TestWriteIfChangedCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "file.conf")

	changed, err := WriteIfChanged(path, []byte("x"), 0o644)
	if err != nil {
		t.Fatalf("WriteIfChanged: %v", err)
	}
	if !changed {
		t.Fatal("want changed=true")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}
}

func TestMaterializeCreatesChangesAndRemoves(t *testing.T) {
	dir := t.TempDir()

	want := map[string][]byte{
		"peer-a": []byte("host-a-config"),
		"peer-b": []byte("host-b-config"),
	}
	diff, err := Materialize(dir, want, 0o644)
	if err != nil {
		t.Fatalf("Materialize (initial): %v", err)
	}
	if len(diff.Created) != 2 || len(diff.Changed) != 0 || len(diff.Removed) != 0 {
		t.Fatalf("initial diff = %+v, want 2 created only", diff)
	}
	if !diff.Any() {
		t.Fatal("Any() should be true after initial materialization")
	}

	want2 := map[string][]byte{
		"peer-a": []byte("host-a-config-v2"), // changed
		"peer-c": []byte("host-c-config"),    // created
		// peer-b dropped -> removed
	}
	diff2, err := Materialize(dir, want2, 0o644)
	if err != nil {
		t.Fatalf("Materialize (update): %v", err)
	}
	if len(diff2.Changed) != 1 || diff2.Changed[0] != "peer-a" {
		t.Fatalf("Changed = %v, want [peer-a]", diff2.Changed)
	}
	if len(diff2.Created) != 1 || diff2.Created[0] != "peer-c" {
		t.Fatalf("Created = %v, want [peer-c]", diff2.Created)
	}
	if len(diff2.Removed) != 1 || diff2.Removed[0] != "peer-b" {
		t.Fatalf("Removed = %v, want [peer-b]", diff2.Removed)
	}

	if _, err := os.Stat(filepath.Join(dir, "peer-b")); !os.IsNotExist(err) {
		t.Fatal("peer-b should have been removed from disk")
	}
}

func TestMaterializeNoOpWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	want := map[string][]byte{"only": []byte("same")}

	if _, err := Materialize(dir, want, 0o644); err != nil {
		t.Fatalf("Materialize (initial): %v", err)
	}
	diff, err := Materialize(dir, want, 0o644)
	if err != nil {
		t.Fatalf("Materialize (repeat): %v", err)
	}
	if diff.Any() {
		t.Fatalf("diff = %+v, want no-op on repeat materialization", diff)
	}
}
