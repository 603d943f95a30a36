package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message protocol definitions

// Action is the request type tag carried in the "action" field.
type Action string

const (
	ActionEcho         Action = "echo"          // reflect "data" back
	ActionFileTransfer Action = "file_transfer" // store base64 "file_data" under "file_name"
)

// Reply discriminators carried in the "message" field.
const (
	MessageEcho         = "echo"
	MessageFileReceived = "file_received"
	MessageError        = "error"
)

// Field names used by the envelope.
const (
	FieldAction   = "action"
	FieldData     = "data"
	FieldFileData = "file_data"
	FieldFileName = "file_name"
)

var (
	// ErrDecode marks malformed input: bad JSON text or a bad embedded payload.
	ErrDecode = errors.New("decode error")
	// ErrIgnored is only returned by a strict dispatcher, for envelopes that
	// are otherwise dropped without a reply.
	ErrIgnored = errors.New("request ignored")
)

// Envelope is one decoded request. Fields stay raw so that missing or
// wrong-typed values never fail decoding; handlers default them instead.
type Envelope struct {
	fields map[string]json.RawMessage
}

// Response is what goes back to the client. Field order on the wire is
// message first, then the action specific field.
type Response struct {
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data,omitempty"`
	FileName string          `json:"file_name,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// DecodeEnvelope parses raw JSON text. Well-formed documents that are not
// objects decode to an empty envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		if !json.Valid(raw) {
			return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return Envelope{}, nil
	}
	return Envelope{fields: fields}, nil
}

// NewEnvelope builds an envelope from Go values, mostly for clients and tests.
func NewEnvelope(fields map[string]any) (Envelope, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(raw)
}

// Has reports whether key is present, whatever its value.
func (e Envelope) Has(key string) bool {
	_, ok := e.fields[key]
	return ok
}

// Raw returns the undecoded value of key.
func (e Envelope) Raw(key string) (json.RawMessage, bool) {
	v, ok := e.fields[key]
	return v, ok
}

// String returns key's value when it is a JSON string.
func (e Envelope) String(key string) (string, bool) {
	raw, ok := e.fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Action returns the request tag; ok is false when it is missing or not a string.
func (e Envelope) Action() (Action, bool) {
	s, ok := e.String(FieldAction)
	return Action(s), ok
}

// MarshalJSON lets envelopes be sent as-is by clients.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.fields)
}

// NewEchoResponse wraps data (raw JSON) in an echo reply.
func NewEchoResponse(data json.RawMessage) *Response {
	return &Response{Message: MessageEcho, Data: data}
}

// NewFileReceivedResponse confirms a stored file.
func NewFileReceivedResponse(fileName string) *Response {
	return &Response{Message: MessageFileReceived, FileName: fileName}
}

// NewErrorResponse is only sent when error replies are switched on.
func NewErrorResponse(err error) *Response {
	return &Response{Message: MessageError, Error: err.Error()}
}

// EncodeResponse marshals a Response to compact JSON text.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse is the client side counterpart of EncodeResponse.
func DecodeResponse(raw []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &resp, nil
}
