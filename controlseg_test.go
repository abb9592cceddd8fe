package rcache

import (
	"path/filepath"
	"testing"
)

func openTestControlSegment(t *testing.T) *ControlSegment {
	t.Helper()
	cs, err := OpenControlSegment(filepath.Join(t.TempDir(), "SHM"))
	if err != nil {
		t.Fatalf("OpenControlSegment: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestControlSegmentMappingValid(t *testing.T) {
	cs := openTestControlSegment(t)
	if cs.MappingValid(3) {
		t.Fatal("MappingValid(3) on a fresh segment should be false")
	}
	cs.SetMappingValid(3, true)
	if !cs.MappingValid(3) {
		t.Fatal("MappingValid(3) after SetMappingValid(3, true) should be true")
	}
	if cs.MappingValid(4) {
		t.Fatal("SetMappingValid(3, ...) should not affect shard 4")
	}
}

func TestControlSegmentActiveReaders(t *testing.T) {
	cs := openTestControlSegment(t)
	if got := cs.IncActiveReaders(0); got != 1 {
		t.Fatalf("IncActiveReaders = %d, want 1", got)
	}
	if got := cs.IncActiveReaders(0); got != 2 {
		t.Fatalf("IncActiveReaders = %d, want 2", got)
	}
	if got := cs.DecActiveReaders(0); got != 1 {
		t.Fatalf("DecActiveReaders = %d, want 1", got)
	}
	if got := cs.ActiveReaders(0); got != 1 {
		t.Fatalf("ActiveReaders = %d, want 1", got)
	}
}

func TestControlSegmentSemaphores(t *testing.T) {
	cs := openTestControlSegment(t)
	if cs.SemValidTryWait() {
		t.Fatal("SemValidTryWait on a fresh segment should fail")
	}
	cs.SemValidPost()
	cs.SemValidPost()
	if !cs.SemValidTryWait() {
		t.Fatal("SemValidTryWait should succeed after one post")
	}
	if !cs.SemValidTryWait() {
		t.Fatal("SemValidTryWait should succeed a second time after two posts")
	}
	if cs.SemValidTryWait() {
		t.Fatal("SemValidTryWait should fail once the count is exhausted")
	}
}

func TestControlSegmentResetAfterAbandonPreservesTimedOut(t *testing.T) {
	cs := openTestControlSegment(t)
	cs.IncTimedOut()
	cs.IncTimedOut()
	cs.SetMappingValid(5, true)
	cs.SemValidPost()

	cs.ResetAfterAbandon()

	if cs.TimedOut() != 2 {
		t.Fatalf("TimedOut() after ResetAfterAbandon = %d, want 2", cs.TimedOut())
	}
	if cs.MappingValid(5) {
		t.Fatal("MappingValid(5) should be cleared by ResetAfterAbandon")
	}
	if cs.SemValidTryWait() {
		t.Fatal("semValid should be cleared by ResetAfterAbandon")
	}
}

func TestControlSegmentSetAllMappingInvalid(t *testing.T) {
	cs := openTestControlSegment(t)
	cs.SetMappingValid(0, true)
	cs.SetMappingValid(255, true)

	cs.SetAllMappingInvalid()

	if cs.MappingValid(0) || cs.MappingValid(255) {
		t.Fatal("SetAllMappingInvalid should clear every shard")
	}
}
