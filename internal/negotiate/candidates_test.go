package negotiate

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestCandidateTail(t *testing.T) {
	var tail CandidateTail

	list := []webrtc.ICECandidateInit{candidate("a")}
	if got := tail.Next(list); len(got) != 1 || got[0].Candidate != "a" {
		t.Fatalf("first Next = %v", got)
	}

	// Same delivery again: nothing new.
	if got := tail.Next(list); got != nil {
		t.Fatalf("repeat Next = %v, want nil", got)
	}

	// Two deliveries skipped, full list arrives at once.
	list = append(list, candidate("b"), candidate("c"))
	got := tail.Next(list)
	if len(got) != 2 || got[0].Candidate != "b" || got[1].Candidate != "c" {
		t.Fatalf("coalesced Next = %v", got)
	}
	if tail.Seen() != 3 {
		t.Fatalf("Seen = %d, want 3", tail.Seen())
	}

	if got := tail.Next(nil); got != nil {
		t.Fatalf("empty Next = %v, want nil", got)
	}
}
