package recordstore

import (
	"errors"
	"testing"
)

func TestClientMessageValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  clientMessage
		want error
	}{
		{"create ok", clientMessage{Version: 1, Op: opCreate, Collection: "calls"}, nil},
		{"create no collection", clientMessage{Version: 1, Op: opCreate}, errMissingCollection},
		{"update ok", clientMessage{Version: 1, Op: opUpdate, Collection: "calls", ID: "r1"}, nil},
		{"update no id", clientMessage{Version: 1, Op: opUpdate, Collection: "calls"}, errMissingRecordID},
		{"delete no id", clientMessage{Version: 1, Op: opDelete, Collection: "calls"}, errMissingRecordID},
		{"subscribe ok", clientMessage{Version: 1, Op: opSubscribe, Query: &Query{Collection: "calls"}}, nil},
		{"subscribe no query", clientMessage{Version: 1, Op: opSubscribe}, errMissingCollection},
		{"unsubscribe ok", clientMessage{Version: 1, Op: opUnsubscribe, SubID: "s1"}, nil},
		{"unsubscribe no sub", clientMessage{Version: 1, Op: opUnsubscribe}, errMissingSubID},
		{"bad version", clientMessage{Version: 99, Op: opCreate, Collection: "calls"}, errUnsupportedVersion},
		{"bad op", clientMessage{Version: 1, Op: "drop"}, errUnknownOp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.want == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestErrorFromWire(t *testing.T) {
	if err := errorFromWire(ErrNotFound.Error()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("not-found did not round-trip: %v", err)
	}
	if err := errorFromWire(ErrClosed.Error()); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed did not round-trip: %v", err)
	}
	if err := errorFromWire("boom"); err == nil || err.Error() != "boom" {
		t.Fatalf("opaque error mangled: %v", err)
	}
}
