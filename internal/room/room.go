// Package room holds the shared rendezvous schema: the room document, its
// candidate and message subcollections, and the lifecycle operations every
// participant performs against them.
package room

import (
	"errors"
	"fmt"

	"github.com/JassCoder/atm-video-call/internal/store"
	"github.com/JassCoder/atm-video-call/internal/transport"
)

var (
	// ErrRoomNotFound means the room document vanished, typically because the
	// other side disposed it mid-handshake.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrAnswerRaceLost means another participant claimed the room first.
	ErrAnswerRaceLost = errors.New("room: answer race lost")
)

// Gender is a participant's declared gender, used as the matching predicate.
type Gender string

const (
	GenderMale        Gender = "male"
	GenderFemale      Gender = "female"
	GenderOther       Gender = "other"
	GenderUnspecified Gender = "unspecified"
)

func ParseGender(s string) (Gender, error) {
	switch Gender(s) {
	case GenderMale, GenderFemale, GenderOther, GenderUnspecified:
		return Gender(s), nil
	case "":
		return GenderUnspecified, nil
	default:
		return "", fmt.Errorf("unknown gender %q", s)
	}
}

// Complement is the gender a strict matching pass looks for: male and female
// pair with each other, everything else pairs with other.
func (g Gender) Complement() Gender {
	switch g {
	case GenderMale:
		return GenderFemale
	case GenderFemale:
		return GenderMale
	default:
		return GenderOther
	}
}

// Filters are the preferences a room creator declares. Gender is the only
// field matching acts on; language and tag ride along as metadata.
type Filters struct {
	Language string
	Tag      string
	Gender   Gender
}

// Room is the decoded form of a rooms/{id} document.
type Room struct {
	ID      string
	Offer   *transport.SessionDescription
	Answer  *transport.SessionDescription
	Filters Filters
}

// Open reports whether the room can still be joined. The first answer write
// claims it.
func (r Room) Open() bool { return r.Answer == nil }

// Role distinguishes the room creator (caller) from the joiner (callee).
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CandidateRecord is one entry of the role-tagged candidate log. Observers
// apply only entries tagged with the opposite role.
type CandidateRecord struct {
	ID        string
	Role      Role
	Candidate transport.Candidate
}

// Store paths.

const RoomsCollection = "rooms"

func RoomPath(roomID string) string       { return RoomsCollection + "/" + roomID }
func CandidatesPath(roomID string) string { return RoomPath(roomID) + "/candidates" }
func MessagesPath(roomID string) string   { return RoomPath(roomID) + "/messages" }

// Document codecs. Store values round-trip through JSON, so decoders accept
// both the Doc maps written in-process and the map[string]any the wire
// produces.

func filtersToDoc(f Filters) store.Doc {
	return store.Doc{"language": f.Language, "tag": f.Tag, "gender": string(f.Gender)}
}

func filtersFromValue(v any) Filters {
	m, ok := asMap(v)
	if !ok {
		return Filters{Gender: GenderUnspecified}
	}
	gender, err := ParseGender(stringField(m, "gender"))
	if err != nil {
		gender = GenderUnspecified
	}
	return Filters{
		Language: stringField(m, "language"),
		Tag:      stringField(m, "tag"),
		Gender:   gender,
	}
}

func descToDoc(d transport.SessionDescription) store.Doc {
	return store.Doc{"type": d.Type, "sdp": d.SDP}
}

func descFromValue(v any) *transport.SessionDescription {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	return &transport.SessionDescription{
		Type: stringField(m, "type"),
		SDP:  stringField(m, "sdp"),
	}
}

// RoomFromDoc decodes a room document's fields.
func RoomFromDoc(id string, data store.Doc) Room {
	return Room{
		ID:      id,
		Offer:   descFromValue(data["offer"]),
		Answer:  descFromValue(data["answer"]),
		Filters: filtersFromValue(data["filters"]),
	}
}

// RoomFromDocument decodes a store change-feed document.
func RoomFromDocument(doc store.Document) Room {
	return RoomFromDoc(doc.ID, doc.Data)
}

func candidateToDoc(role Role, c transport.Candidate) store.Doc {
	doc := store.Doc{"role": string(role), "candidate": c.Candidate}
	if c.SDPMid != nil {
		doc["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		doc["sdpMLineIndex"] = *c.SDPMLineIndex
	}
	if c.UsernameFragment != nil {
		doc["usernameFragment"] = *c.UsernameFragment
	}
	return doc
}

// CandidateFromDocument decodes one candidate log entry. ok is false for
// records missing the role or candidate fields.
func CandidateFromDocument(doc store.Document) (CandidateRecord, bool) {
	role := Role(stringField(doc.Data, "role"))
	if role != RoleCaller && role != RoleCallee {
		return CandidateRecord{}, false
	}
	cand := transport.Candidate{Candidate: stringField(doc.Data, "candidate")}
	if cand.Candidate == "" {
		return CandidateRecord{}, false
	}
	if v, ok := doc.Data["sdpMid"].(string); ok {
		cand.SDPMid = &v
	}
	if n, ok := uint16Field(doc.Data, "sdpMLineIndex"); ok {
		cand.SDPMLineIndex = &n
	}
	if v, ok := doc.Data["usernameFragment"].(string); ok {
		cand.UsernameFragment = &v
	}
	return CandidateRecord{ID: doc.ID, Role: role, Candidate: cand}, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case store.Doc:
		return m, true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func uint16Field(m map[string]any, key string) (uint16, bool) {
	switch n := m[key].(type) {
	case uint16:
		return n, true
	case int:
		return uint16(n), true
	case float64:
		return uint16(n), true
	default:
		return 0, false
	}
}
