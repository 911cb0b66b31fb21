package profiler

import (
	"testing"
)

func routerID(b byte) []byte {
	id := make([]byte, 32)
	id[0] = b
	return id
}

func TestIsBadRequiresMinimumObservations(t *testing.T) {
	p := New("")
	id := routerID(1)
	for i := 0; i < MinObservations-1; i++ {
		p.MarkConnectTimeout(id)
	}
	if p.IsBad(id) {
		t.Fatal("should not be bad before MinObservations is reached")
	}
	p.MarkConnectTimeout(id)
	if !p.IsBad(id) {
		t.Fatal("should be bad once MinObservations all-failures is reached")
	}
}

func TestIsBadRespectsFailureRatio(t *testing.T) {
	p := New("")
	id := routerID(2)
	for i := 0; i < 8; i++ {
		p.MarkConnectSuccess(id)
	}
	for i := 0; i < 2; i++ {
		p.MarkConnectTimeout(id)
	}
	if p.IsBad(id) {
		t.Fatal("20%% failure ratio should not be bad")
	}
	for i := 0; i < 10; i++ {
		p.MarkPathBuildFailure(id)
	}
	if !p.IsBad(id) {
		t.Fatal("majority-failure peer should be bad")
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	id := routerID(3)
	p.MarkPathBuildSuccess(id)
	p.MarkPathBuildFailure(id)
	if err := p.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := loaded.Snapshot(id)
	if snap.PathBuildSuccess != 1 || snap.PathBuildFailure != 1 {
		t.Fatalf("loaded snapshot = %+v", snap)
	}
}
