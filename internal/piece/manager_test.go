package piece

import (
	"crypto/sha1"
	"testing"
)

func hashOf(b []byte) [sha1.Size]byte { return sha1.Sum(b) }

func TestManager_AssignLowestIndexFirst(t *testing.T) {
	m := NewManager(4, 12, []([sha1.Size]byte){{}, {}, {}})

	got, err := m.Assign("peer-a")
	if err != nil || got != 0 {
		t.Fatalf("Assign() = (%d, %v), want (0, nil)", got, err)
	}

	got, err = m.Assign("peer-a")
	if err != nil || got != 1 {
		t.Fatalf("Assign() = (%d, %v), want (1, nil)", got, err)
	}
}

func TestManager_AssignSkipsCompletedAndInFlight(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	m := NewManager(4, 4, []([sha1.Size]byte){hashOf(data)})

	if _, err := m.Assign("peer-a"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := m.Assign("peer-a"); err != ErrNoPieceAvailable {
		t.Fatalf("Assign() = %v, want ErrNoPieceAvailable (single piece in flight)", err)
	}

	if !m.StorePiece(0, data) {
		t.Fatalf("StorePiece should have verified")
	}
	if _, err := m.Assign("peer-a"); err != ErrNoPieceAvailable {
		t.Fatalf("Assign() after complete = %v, want ErrNoPieceAvailable", err)
	}
}

func TestManager_AddBlockOutOfOrder(t *testing.T) {
	full := []byte("abcdefghijklmnop") // 16 bytes
	m := NewManager(16, 16, []([sha1.Size]byte){hashOf(full)})

	if _, err := m.Assign("peer-a"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	steps := []struct {
		begin int
		data  []byte
	}{
		{8, full[8:12]},
		{0, full[0:4]},
		{4, full[4:8]},
		{12, full[12:16]},
	}

	var assembled []byte
	for i, s := range steps {
		out, ok, err := m.AddBlock(0, s.begin, s.data)
		if err != nil {
			t.Fatalf("AddBlock step %d: %v", i, err)
		}

		last := i == len(steps)-1
		if ok != last {
			t.Fatalf("AddBlock step %d ok=%v, want %v", i, ok, last)
		}
		if ok {
			assembled = out
		}
	}

	if string(assembled) != string(full) {
		t.Fatalf("assembled = %q, want %q", assembled, full)
	}
}

func TestManager_StorePieceBadHashDoesNotContaminate(t *testing.T) {
	good := []byte("0123456789abcdef")
	m := NewManager(16, 16, []([sha1.Size]byte){hashOf(good)})

	if _, err := m.Assign("peer-a"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, _, err := m.AddBlock(0, 0, good[:8]); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	if m.StorePiece(0, []byte("wrong bytes here")) {
		t.Fatalf("StorePiece should fail verification")
	}
	if m.IsComplete() {
		t.Fatalf("manager should not be complete after bad hash")
	}

	// Piece must be re-assignable after a failed store.
	got, err := m.Assign("peer-a")
	if err != nil || got != 0 {
		t.Fatalf("Assign() after bad store = (%d, %v), want (0, nil)", got, err)
	}
}

func TestManager_Release(t *testing.T) {
	m := NewManager(4, 4, []([sha1.Size]byte){{}})

	if _, err := m.Assign("peer-a"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	m.Release(0)

	if _, _, err := m.AddBlock(0, 0, []byte{1, 2, 3, 4}); err != ErrNoPieceAssigned {
		t.Fatalf("AddBlock after release = %v, want ErrNoPieceAssigned", err)
	}

	if _, err := m.Assign("peer-a"); err != nil {
		t.Fatalf("Assign after release: %v", err)
	}
}

func TestManager_ProgressAndIsComplete(t *testing.T) {
	a, b := []byte("aaaaaaaa"), []byte("bbbbbbbb")
	m := NewManager(8, 16, []([sha1.Size]byte){hashOf(a), hashOf(b)})

	if got, total := m.Progress(); got != 0 || total != 2 {
		t.Fatalf("Progress() = (%d,%d), want (0,2)", got, total)
	}

	i, _ := m.Assign("peer-a")
	if !m.StorePiece(i, a) {
		t.Fatalf("store piece 0 failed")
	}
	if got, total := m.Progress(); got != 1 || total != 2 {
		t.Fatalf("Progress() = (%d,%d), want (1,2)", got, total)
	}
	if m.IsComplete() {
		t.Fatalf("should not be complete yet")
	}

	i, _ = m.Assign("peer-a")
	if !m.StorePiece(i, b) {
		t.Fatalf("store piece 1 failed")
	}
	if !m.IsComplete() {
		t.Fatalf("should be complete")
	}
}

func TestManager_LastPieceShorterLength(t *testing.T) {
	p0 := []byte("0123456789abcdef") // 16 bytes
	p1 := []byte("xyz")              // 3 bytes, final piece
	m := NewManager(16, 19, []([sha1.Size]byte){hashOf(p0), hashOf(p1)})

	if _, err := m.Assign("peer-a"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	assembled, ok, err := m.AddBlock(0, 0, p0)
	if err != nil || !ok {
		t.Fatalf("AddBlock piece 0: ok=%v err=%v", ok, err)
	}
	if !m.StorePiece(0, assembled) {
		t.Fatalf("store piece 0 failed")
	}

	idx, err := m.Assign("peer-a")
	if err != nil || idx != 1 {
		t.Fatalf("Assign() = (%d,%v), want (1,nil)", idx, err)
	}
	assembled, ok, err = m.AddBlock(1, 0, p1)
	if err != nil || !ok {
		t.Fatalf("AddBlock piece 1: ok=%v err=%v", ok, err)
	}
	if !m.StorePiece(1, assembled) {
		t.Fatalf("store piece 1 failed")
	}
	if !m.IsComplete() {
		t.Fatalf("should be complete")
	}
}

func TestManager_ExclusiveAssignmentAcrossPeers(t *testing.T) {
	m := NewManager(4, 8, []([sha1.Size]byte){{}, {}})

	i, err := m.Assign("peer-a")
	if err != nil || i != 0 {
		t.Fatalf("Assign(peer-a) = (%d, %v)", i, err)
	}
	j, err := m.Assign("peer-b")
	if err != nil || j == i {
		t.Fatalf("Assign(peer-b) = (%d, %v), must differ from %d", j, err, i)
	}

	if owner, ok := m.AssignedTo(i); !ok || owner != "peer-a" {
		t.Fatalf("AssignedTo(%d) = (%q, %v), want peer-a", i, owner, ok)
	}

	// Releasing hands the index to whoever asks next.
	m.Release(i)
	k, err := m.Assign("peer-b")
	if err != nil || k != i {
		t.Fatalf("Assign after release = (%d, %v), want (%d, nil)", k, err, i)
	}
	if owner, _ := m.AssignedTo(i); owner != "peer-b" {
		t.Fatalf("AssignedTo(%d) = %q, want peer-b", i, owner)
	}
}
