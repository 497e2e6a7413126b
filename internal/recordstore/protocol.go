package recordstore

import (
	"errors"
	"fmt"
)

// Wire protocol for the websocket store relay. One JSON message per frame.
//
// Client -> server: create / update / delete / subscribe / unsubscribe, each
// tagged with a client-chosen request id. Server -> client: one result per
// request, plus unsolicited snapshot frames per live subscription.

const protocolVersion = 1

const (
	opCreate      = "create"
	opUpdate      = "update"
	opDelete      = "delete"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"

	opResult   = "result"
	opSnapshot = "snapshot"
)

var (
	errUnsupportedVersion = errors.New("recordstore: unsupported protocol version")
	errUnknownOp          = errors.New("recordstore: unknown op")
	errMissingCollection  = errors.New("recordstore: missing collection")
	errMissingRecordID    = errors.New("recordstore: missing record id")
	errMissingSubID       = errors.New("recordstore: missing subscription id")
)

type clientMessage struct {
	Version    int    `json:"version"`
	Op         string `json:"op"`
	ReqID      uint64 `json:"reqId"`
	Collection string `json:"collection,omitempty"`
	ID         string `json:"id,omitempty"`
	Fields     Fields `json:"fields,omitempty"`
	Query      *Query `json:"query,omitempty"`
	SubID      string `json:"subId,omitempty"`
}

type serverMessage struct {
	Version int      `json:"version"`
	Op      string   `json:"op"`
	ReqID   uint64   `json:"reqId,omitempty"`
	ID      string   `json:"id,omitempty"`
	SubID   string   `json:"subId,omitempty"`
	Records []Record `json:"records,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (m clientMessage) Validate() error {
	if m.Version != protocolVersion {
		return fmt.Errorf("%w: %d", errUnsupportedVersion, m.Version)
	}
	switch m.Op {
	case opCreate:
		if m.Collection == "" {
			return errMissingCollection
		}
	case opUpdate, opDelete:
		if m.Collection == "" {
			return errMissingCollection
		}
		if m.ID == "" {
			return errMissingRecordID
		}
	case opSubscribe:
		if m.Query == nil || m.Query.Collection == "" {
			return errMissingCollection
		}
	case opUnsubscribe:
		if m.SubID == "" {
			return errMissingSubID
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownOp, m.Op)
	}
	return nil
}
