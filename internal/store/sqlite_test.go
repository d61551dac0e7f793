package store

import (
	"errors"
	"testing"
)

func openTestKV(t *testing.T) *SQLiteKV {
	t.Helper()
	kv, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestSetGetRemove(t *testing.T) {
	kv := openTestKV(t)

	if err := kv.Set("queue:rest-1:req-1", []byte(`{"id":"req-1"}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := kv.Get("queue:rest-1:req-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"id":"req-1"}` {
		t.Errorf("Expected stored value back, got %q", got)
	}

	if err := kv.Remove("queue:rest-1:req-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := kv.Get("queue:rest-1:req-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
}

func TestSetOverwrites(t *testing.T) {
	kv := openTestKV(t)

	kv.Set("k", []byte("v1"))
	if err := kv.Set("k", []byte("v2")); err != nil {
		t.Fatalf("overwrite Set failed: %v", err)
	}
	got, err := kv.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Expected overwritten value, got %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	kv := openTestKV(t)
	if _, err := kv.Get("absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	kv := openTestKV(t)
	if err := kv.Remove("absent"); err != nil {
		t.Errorf("Expected removing a missing key to succeed, got %v", err)
	}
}

func TestListKeysPrefix(t *testing.T) {
	kv := openTestKV(t)

	kv.Set("queue:rest-1:b", []byte("1"))
	kv.Set("queue:rest-1:a", []byte("2"))
	kv.Set("queue:rest-2:c", []byte("3"))
	kv.Set("conflict:rest-1:d", []byte("4"))

	keys, err := kv.ListKeys("queue:rest-1:")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Expected 2 keys, got %d: %v", len(keys), keys)
	}
	if keys[0] != "queue:rest-1:a" || keys[1] != "queue:rest-1:b" {
		t.Errorf("Expected sorted keys, got %v", keys)
	}

	all, err := kv.ListKeys("queue:")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 queue keys across tenants, got %d", len(all))
	}
}

func TestKeyHelpers(t *testing.T) {
	if QueueKey("rest-1", "req-1") != "queue:rest-1:req-1" {
		t.Errorf("Unexpected queue key: %s", QueueKey("rest-1", "req-1"))
	}
	if QueuePrefix("rest-1") != "queue:rest-1:" {
		t.Errorf("Unexpected queue prefix: %s", QueuePrefix("rest-1"))
	}
	if QueuePrefix("") != "queue:" {
		t.Errorf("Unexpected all-tenant prefix: %s", QueuePrefix(""))
	}
	if ConflictKey("rest-1", "c-1") != "conflict:rest-1:c-1" {
		t.Errorf("Unexpected conflict key: %s", ConflictKey("rest-1", "c-1"))
	}
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()

	kv, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := kv.Set("persist", []byte("survives")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	kv.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get("persist")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "survives" {
		t.Errorf("Expected value to survive reopen, got %q", got)
	}
}
