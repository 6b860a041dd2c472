package dispatch

import "testing"

func TestStoreSnapshotsAreImmutable(t *testing.T) {
	seed := map[string]any{"precision": 10}
	s := NewStore(seed)
	seed["precision"] = 99

	snap := s.Snapshot()
	if snap["precision"] != 10 {
		t.Fatalf("store shares caller map: %v", snap)
	}
	snap["precision"] = 1
	if s.Snapshot()["precision"] != 10 {
		t.Fatalf("snapshot mutation leaked into store")
	}

	s.Set("mode", "fixed")
	if s.Version() != 1 || snap["mode"] != nil {
		t.Fatalf("version %d, old snapshot %v", s.Version(), snap)
	}
	s.Replace(map[string]any{"precision": 5})
	if got := s.Snapshot(); len(got) != 1 || got["precision"] != 5 || s.Version() != 2 {
		t.Fatalf("replace: %v v%d", got, s.Version())
	}
	if got := NewStore(nil).Snapshot(); got == nil || len(got) != 0 {
		t.Fatalf("empty store snapshot %v", got)
	}
}
