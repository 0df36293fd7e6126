package recognizer

import (
	"bytes"
	"testing"

	"murmur/audio"
)

func TestPrebufferCapacity(t *testing.T) {
	// 2000ms of audio at one chunk per 200ms.
	want := 2000 / audio.ChunkMs
	if got := prebufferCapacity(); got != want {
		t.Fatalf("prebufferCapacity() = %d, want %d", got, want)
	}
}

func TestPrebufferEvictsOldest(t *testing.T) {
	p := newPrebuffer(3)
	for _, s := range []string{"A", "B", "C", "D"} {
		p.push([]byte(s))
	}
	got := p.drainAll()
	if len(got) != 3 {
		t.Fatalf("drained %d chunks, want 3", len(got))
	}
	for i, want := range []string{"B", "C", "D"} {
		if !bytes.Equal(got[i], []byte(want)) {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want)
		}
	}
	if p.dropped != 1 {
		t.Errorf("dropped = %d, want 1", p.dropped)
	}
}

func TestPrebufferDrainEmpties(t *testing.T) {
	p := newPrebuffer(2)
	p.push([]byte("x"))
	if p.len() != 1 {
		t.Fatalf("len = %d, want 1", p.len())
	}
	p.drainAll()
	if p.len() != 0 {
		t.Fatalf("len after drain = %d, want 0", p.len())
	}
	if got := p.drainAll(); len(got) != 0 {
		t.Fatalf("second drain returned %d chunks", len(got))
	}
}
