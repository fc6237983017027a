package embedstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func testVector() []float32 {
	v := make([]float32, Dimension)
	for i := range v {
		v[i] = float32(i) / float32(Dimension)
	}
	return v
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embeddings.msgpack")

	s := New(path, "test-model", nil)
	s.Set("postgres", testVector(), "hash1")
	s.UpdateLifecycleMetadata(Lifecycle{CurrentTurn: 3})
	if err := s.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded := New(path, "test-model", nil)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rec, ok := loaded.Get("postgres")
	if !ok {
		t.Fatal("expected postgres record to be present")
	}
	if rec.Hash != "hash1" {
		t.Errorf("Hash = %q, want hash1", rec.Hash)
	}
	if len(rec.Vector) != Dimension {
		t.Errorf("len(Vector) = %d, want %d", len(rec.Vector), Dimension)
	}
	lc := loaded.GetLifecycleMetadata()
	if lc == nil || lc.CurrentTurn != 3 {
		t.Errorf("lifecycle = %+v, want CurrentTurn=3", lc)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "missing.msgpack"), "m", nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(s.GetAll()) != 0 {
		t.Errorf("expected empty store, got %d entries", len(s.GetAll()))
	}
}

func TestLoadCorruptFileDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.msgpack")
	if err := os.WriteFile(path, []byte("not msgpack at all, just garbage bytes"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	s := New(path, "m", nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() on corrupt file should not error, got %v", err)
	}
	if len(s.GetAll()) != 0 {
		t.Errorf("expected empty store after corrupt load, got %d entries", len(s.GetAll()))
	}
}

func TestNeedsUpdate(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "e.msgpack"), "m", nil)
	if !s.NeedsUpdate("postgres", "h1") {
		t.Error("NeedsUpdate() for unknown spell should be true")
	}
	s.Set("postgres", testVector(), "h1")
	if s.NeedsUpdate("postgres", "h1") {
		t.Error("NeedsUpdate() with matching hash should be false")
	}
	if !s.NeedsUpdate("postgres", "h2") {
		t.Error("NeedsUpdate() with differing hash should be true")
	}
}

func TestLegacyVersionUpgradesInMemory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.msgpack")

	// Write a legacy v1 file by hand: version 1.0.0 and no lifecycle block.
	legacy := diskFormat{
		Version:   LegacyVersion,
		ModelName: "m",
		Dimension: Dimension,
		Spells:    map[string]Record{"postgres": {Vector: testVector(), Hash: "h1", Timestamp: 1}},
	}
	data, err := msgpack.Marshal(legacy)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// Loading it keeps the embeddings and creates an empty lifecycle block
	// in memory.
	loaded := New(path, "m", nil)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := loaded.Get("postgres"); !ok {
		t.Fatal("expected postgres to survive reload")
	}
	if loaded.GetLifecycleMetadata() == nil {
		t.Error("expected legacy load to create a lifecycle block")
	}
	loaded.UpdateLifecycleMetadata(Lifecycle{CurrentTurn: 1})
	if lc := loaded.GetLifecycleMetadata(); lc == nil || lc.UsageTracking == nil || lc.ActivePIDs == nil {
		t.Errorf("expected initialized lifecycle maps, got %+v", lc)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "e.msgpack"), "m", nil)
	s.Set("postgres", testVector(), "h1")
	s.Delete("postgres")
	if s.Has("postgres") {
		t.Error("expected postgres to be removed")
	}
}
