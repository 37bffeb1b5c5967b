package model

import (
	"encoding/json"
	"errors"
)

// Client message types.
const (
	TypeJoin      = "join"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeLeave     = "leave"
)

// Server announcement types.
const (
	TypeJoined     = "joined"
	TypeUserJoined = "user-joined"
	TypeUserLeft   = "user-left"
)

const (
	fieldType     = "type"
	fieldRoom     = "room"
	fieldUsername = "username"
	fieldFrom     = "from"
)

var (
	ErrMalformed = errors.New("malformed message")
)

// Event is an inbound client message. The set of implementations is closed:
// Join, Signal, Leave and Unknown.
type Event interface {
	event()
}

type Join struct {
	Room     string
	Username string
}

// Signal is an offer, answer or candidate. Fields holds the whole message
// as received so that the negotiation payload is relayed untouched.
type Signal struct {
	Type   string
	Room   string
	Fields map[string]json.RawMessage
}

type Leave struct {
	Room string
}

// Unknown carries a type the relay does not handle.
type Unknown struct {
	Type string
}

func (Join) event()    {}
func (Signal) event()  {}
func (Leave) event()   {}
func (Unknown) event() {}

// ParseEvent decodes one frame. Only frames that are not a JSON object fail;
// missing or non-string fields decode as empty strings.
func ParseEvent(b []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if fields == nil {
		return nil, ErrMalformed
	}

	typ := stringField(fields, fieldType)
	switch typ {
	case TypeJoin:
		return Join{
			Room:     stringField(fields, fieldRoom),
			Username: stringField(fields, fieldUsername),
		}, nil
	case TypeOffer, TypeAnswer, TypeCandidate:
		return Signal{
			Type:   typ,
			Room:   stringField(fields, fieldRoom),
			Fields: fields,
		}, nil
	case TypeLeave:
		return Leave{Room: stringField(fields, fieldRoom)}, nil
	default:
		return Unknown{Type: typ}, nil
	}
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Stamp encodes the signal with "from" set to the sender's username,
// replacing whatever the client put there.
func (s Signal) Stamp(from string) ([]byte, error) {
	fromRaw, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out[fieldFrom] = fromRaw
	return json.Marshal(out)
}

type Joined struct {
	Type         string `json:"type"`
	Room         string `json:"room"`
	Participants int    `json:"participants"`
}

type UserJoined struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

type UserLeft struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

func NewJoined(room string, participants int) Joined {
	return Joined{Type: TypeJoined, Room: room, Participants: participants}
}

func NewUserJoined(username, room string) UserJoined {
	return UserJoined{Type: TypeUserJoined, Username: username, Room: room}
}

func NewUserLeft(username, room string) UserLeft {
	return UserLeft{Type: TypeUserLeft, Username: username, Room: room}
}
