package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Wire protocol spoken between the websocket store client and server.
//
// Requests carry a client-chosen reqId echoed on the result; subscription
// snapshots carry the subId assigned at subscribe time. Messages are strict:
// unknown fields and fields that don't belong to the type are rejected.

type wireType string

const (
	wireTypeCreate      wireType = "create"
	wireTypeWrite       wireType = "write"
	wireTypeRead        wireType = "read"
	wireTypeDelete      wireType = "delete"
	wireTypeSubscribe   wireType = "subscribe"
	wireTypeUnsubscribe wireType = "unsubscribe"
	wireTypeResult      wireType = "result"
	wireTypeSnapshot    wireType = "snapshot"
)

const (
	wireCodeNotFound    = "not_found"
	wireCodeInvalidPath = "invalid_path"
	wireCodeInternal    = "internal"
)

type wireMessage struct {
	Type  wireType `json:"type"`
	ReqID string   `json:"reqId,omitempty"`
	Path  string   `json:"path,omitempty"`
	Data  Doc      `json:"data,omitempty"`
	Merge bool     `json:"merge,omitempty"`
	SubID string   `json:"subId,omitempty"`

	// Result fields.
	ID      string `json:"id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

func parseWireMessage(data []byte) (wireMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg wireMessage
	if err := dec.Decode(&msg); err != nil {
		return wireMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return wireMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return wireMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m wireMessage) validate() error {
	switch m.Type {
	case wireTypeCreate:
		if m.ReqID == "" || m.Path == "" {
			return fmt.Errorf("create message missing reqId/path")
		}
		if m.SubID != "" || m.ID != "" || m.Code != "" || m.Snapshot != nil {
			return fmt.Errorf("create message has unexpected fields")
		}
	case wireTypeWrite:
		if m.ReqID == "" || m.Path == "" {
			return fmt.Errorf("write message missing reqId/path")
		}
		if m.SubID != "" || m.ID != "" || m.Code != "" || m.Snapshot != nil {
			return fmt.Errorf("write message has unexpected fields")
		}
	case wireTypeRead, wireTypeDelete:
		if m.ReqID == "" || m.Path == "" {
			return fmt.Errorf("%s message missing reqId/path", m.Type)
		}
		if m.Data != nil || m.Merge || m.SubID != "" || m.ID != "" || m.Code != "" || m.Snapshot != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case wireTypeSubscribe:
		if m.ReqID == "" || m.Path == "" || m.SubID == "" {
			return fmt.Errorf("subscribe message missing reqId/path/subId")
		}
		if m.Data != nil || m.Merge || m.ID != "" || m.Code != "" || m.Snapshot != nil {
			return fmt.Errorf("subscribe message has unexpected fields")
		}
	case wireTypeUnsubscribe:
		if m.SubID == "" {
			return fmt.Errorf("unsubscribe message missing subId")
		}
		if m.ReqID != "" || m.Path != "" || m.Data != nil || m.Merge || m.ID != "" || m.Code != "" || m.Snapshot != nil {
			return fmt.Errorf("unsubscribe message has unexpected fields")
		}
	case wireTypeResult:
		if m.ReqID == "" {
			return fmt.Errorf("result message missing reqId")
		}
		if m.Path != "" || m.Merge || m.SubID != "" || m.Snapshot != nil {
			return fmt.Errorf("result message has unexpected fields")
		}
	case wireTypeSnapshot:
		if m.SubID == "" || m.Snapshot == nil {
			return fmt.Errorf("snapshot message missing subId/snapshot")
		}
		if m.ReqID != "" || m.Path != "" || m.Data != nil || m.Merge || m.ID != "" || m.Code != "" {
			return fmt.Errorf("snapshot message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func wireErrorFor(err error) (code, message string) {
	switch {
	case err == nil:
		return "", ""
	case isNotFound(err):
		return wireCodeNotFound, "document not found"
	case isInvalidPath(err):
		return wireCodeInvalidPath, "invalid path"
	default:
		return wireCodeInternal, err.Error()
	}
}

func isNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func isInvalidPath(err error) bool { return errors.Is(err, ErrInvalidPath) }

func errorFromWire(code, message string) error {
	switch code {
	case "":
		return nil
	case wireCodeNotFound:
		return ErrNotFound
	case wireCodeInvalidPath:
		return ErrInvalidPath
	default:
		return fmt.Errorf("store: %s", message)
	}
}
