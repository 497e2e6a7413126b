package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/collabdraw/voicecall/internal/recordstore"
)

// Call records live in the "calls" collection. Each side writes only its own
// fields: the caller owns offer and callerCandidates, the callee owns answer
// and answerIceCandidates, so concurrent read-modify-write updates never
// clobber the other party.
const (
	collectionCalls = "calls"

	fieldCallerID         = "callerId"
	fieldCalleeUsername   = "calleeUsername"
	fieldOffer            = "offer"
	fieldAnswer           = "answer"
	fieldCallerCandidates = "callerCandidates"
	fieldCalleeCandidates = "answerIceCandidates"
	fieldStatus           = "status"
	fieldCreatedAt        = "createdAt"

	statusCalling   = "calling"
	statusConnected = "connected"
)

// callRecord is the decoded view of one calls record. Missing or malformed
// fields decode to zero values; the engine treats them as absent.
type callRecord struct {
	ID               string
	CallerID         string
	CalleeUsername   string
	Offer            *webrtc.SessionDescription
	Answer           *webrtc.SessionDescription
	CallerCandidates []webrtc.ICECandidateInit
	CalleeCandidates []webrtc.ICECandidateInit
	Status           string
	CreatedAt        int64
}

func decodeCallRecord(rec recordstore.Record) callRecord {
	f := rec.Fields
	return callRecord{
		ID:               rec.ID,
		CallerID:         asString(f[fieldCallerID]),
		CalleeUsername:   asString(f[fieldCalleeUsername]),
		Offer:            decodeDescription(f[fieldOffer]),
		Answer:           decodeDescription(f[fieldAnswer]),
		CallerCandidates: decodeCandidates(f[fieldCallerCandidates]),
		CalleeCandidates: decodeCandidates(f[fieldCalleeCandidates]),
		Status:           asString(f[fieldStatus]),
		CreatedAt:        asInt64(f[fieldCreatedAt]),
	}
}

func newCallFields(callerID, calleeUsername string, offer webrtc.SessionDescription, now time.Time) recordstore.Fields {
	return recordstore.Fields{
		fieldCallerID:       callerID,
		fieldCalleeUsername: calleeUsername,
		fieldOffer:          encodeDescription(offer),
		fieldStatus:         statusCalling,
		fieldCreatedAt:      float64(now.UnixMilli()),
	}
}

func encodeDescription(desc webrtc.SessionDescription) map[string]any {
	return map[string]any{
		"type": desc.Type.String(),
		"sdp":  desc.SDP,
	}
}

func decodeDescription(v any) *webrtc.SessionDescription {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	sdp := asString(m["sdp"])
	if sdp == "" {
		return nil
	}
	var typ webrtc.SDPType
	switch asString(m["type"]) {
	case "offer":
		typ = webrtc.SDPTypeOffer
	case "answer":
		typ = webrtc.SDPTypeAnswer
	case "pranswer":
		typ = webrtc.SDPTypePranswer
	case "rollback":
		typ = webrtc.SDPTypeRollback
	default:
		return nil
	}
	return &webrtc.SessionDescription{Type: typ, SDP: sdp}
}

func encodeCandidates(list []webrtc.ICECandidateInit) []any {
	out := make([]any, 0, len(list))
	for _, c := range list {
		m := map[string]any{"candidate": c.Candidate}
		if c.SDPMid != nil {
			m["sdpMid"] = *c.SDPMid
		}
		if c.SDPMLineIndex != nil {
			m["sdpMLineIndex"] = float64(*c.SDPMLineIndex)
		}
		out = append(out, m)
	}
	return out
}

// decodeCandidates tolerates malformed entries by skipping them; a bad
// candidate from the peer must never abort the whole list.
func decodeCandidates(v any) []webrtc.ICECandidateInit {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]webrtc.ICECandidateInit, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		cand := asString(m["candidate"])
		if cand == "" {
			continue
		}
		c := webrtc.ICECandidateInit{Candidate: cand}
		if mid, ok := m["sdpMid"].(string); ok {
			c.SDPMid = &mid
		}
		if idx, ok := m["sdpMLineIndex"].(float64); ok {
			u := uint16(idx)
			c.SDPMLineIndex = &u
		}
		out = append(out, c)
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
