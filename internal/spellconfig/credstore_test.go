package spellconfig

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestCredentialStoreSetGet(t *testing.T) {
	dir := t.TempDir()
	cs := NewCredentialStore(filepath.Join(dir, "creds.env"), nil)

	if err := cs.Set("API_KEY", "abc123"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	val, ok := cs.Get("API_KEY")
	if !ok || val != "abc123" {
		t.Errorf("Get() = (%q, %v), want (abc123, true)", val, ok)
	}
}

func TestCredentialStoreConcurrentSetsPreserveAllKeys(t *testing.T) {
	dir := t.TempDir()
	cs := NewCredentialStore(filepath.Join(dir, "creds.env"), nil)

	var wg sync.WaitGroup
	keys := []string{"K1", "K2", "K3", "K4", "K5"}
	for _, k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := cs.Set(key, "v-"+key); err != nil {
				t.Errorf("Set(%q) error = %v", key, err)
			}
		}(k)
	}
	wg.Wait()

	for _, k := range keys {
		if val, ok := cs.Get(k); !ok || val != "v-"+k {
			t.Errorf("Get(%q) = (%q, %v), want (v-%s, true)", k, val, ok, k)
		}
	}
}

func TestCredentialStoreMissingKey(t *testing.T) {
	dir := t.TempDir()
	cs := NewCredentialStore(filepath.Join(dir, "creds.env"), nil)
	if _, ok := cs.Get("NOPE"); ok {
		t.Error("expected missing key to report ok=false")
	}
}
