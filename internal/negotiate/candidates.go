package negotiate

import "github.com/pion/webrtc/v4"

// CandidateTail tracks progress through an append-only candidate list that
// is redelivered in full on every change. Next returns only the entries not
// seen before, preserving list order, so each candidate is surfaced exactly
// once even when intermediate deliveries were skipped.
type CandidateTail struct {
	applied int
}

func (t *CandidateTail) Next(list []webrtc.ICECandidateInit) []webrtc.ICECandidateInit {
	if len(list) <= t.applied {
		return nil
	}
	tail := list[t.applied:]
	t.applied = len(list)
	return tail
}

// Seen reports how many candidates have been handed out.
func (t *CandidateTail) Seen() int { return t.applied }
