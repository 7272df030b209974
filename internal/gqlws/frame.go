// Package gqlws implements the client side of the graphql-transport-ws
// protocol for a single detection-activity subscription.
package gqlws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type MessageType string

const (
	TypeConnectionInit  MessageType = "connection_init"
	TypeConnectionAck   MessageType = "connection_ack"
	TypeSubscribe       MessageType = "subscribe"
	TypeNext            MessageType = "next"
	TypeError           MessageType = "error"
	TypeConnectionError MessageType = "connection_error"
	TypeUnknown         MessageType = "unknown"
)

const (
	HeaderTokenID    = "x-token-id"
	HeaderTokenValue = "x-token-value"

	SubscriptionID = "1"
)

// DetectionQuery selects the detection-activity stream.
const DetectionQuery = `subscription {
  detectionActivity(filter: {}) {
    globalTrackId
    deviceId
    tag
    zoneIds
    timestamp
    track {
      id
      startTime
      endTime
    }
    createdAt
    updatedAt
  }
}`

// Frame is one protocol message. RawType keeps the wire type string when
// Type is TypeUnknown.
type Frame struct {
	Type    MessageType
	ID      string
	Payload json.RawMessage
	RawType string
}

type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WireType is the type string as it appears on the wire.
func (f Frame) WireType() string {
	if f.Type == TypeUnknown && f.RawType != "" {
		return f.RawType
	}
	return string(f.Type)
}

type Credentials struct {
	TokenID    string
	TokenValue string
}

func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.TokenID) != "" && strings.TrimSpace(c.TokenValue) != ""
}

// Header returns the credentials as connection headers.
func (c Credentials) Header() http.Header {
	h := make(http.Header)
	h.Set(HeaderTokenID, c.TokenID)
	h.Set(HeaderTokenValue, c.TokenValue)
	return h
}

func NewConnectionInit(creds Credentials) Frame {
	payload, _ := json.Marshal(map[string]string{
		HeaderTokenID:    creds.TokenID,
		HeaderTokenValue: creds.TokenValue,
	})
	return Frame{Type: TypeConnectionInit, Payload: payload}
}

func NewSubscribe(id string, query string) Frame {
	payload, _ := json.Marshal(map[string]string{"query": query})
	return Frame{Type: TypeSubscribe, ID: id, Payload: payload}
}

func Encode(f Frame) ([]byte, error) {
	return json.Marshal(wireFrame{Type: f.WireType(), ID: f.ID, Payload: f.Payload})
}

func Decode(data []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, &MalformedFrameError{Reason: "not a JSON object", Err: err}
	}
	rawType, ok := fields["type"]
	if !ok {
		return Frame{}, &MalformedFrameError{Reason: "missing type"}
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil || bytes.Equal(bytes.TrimSpace(rawType), []byte("null")) {
		return Frame{}, &MalformedFrameError{Reason: "type is not a string", Err: err}
	}

	frame := Frame{Type: classify(typ)}
	if frame.Type == TypeUnknown {
		frame.RawType = typ
	}
	if rawID, ok := fields["id"]; ok && !isNull(rawID) {
		if err := json.Unmarshal(rawID, &frame.ID); err != nil {
			return Frame{}, &MalformedFrameError{Reason: "id is not a string", Err: err}
		}
	}
	if payload, ok := fields["payload"]; ok && !isNull(payload) {
		frame.Payload = payload
	}
	return frame, nil
}

func classify(typ string) MessageType {
	switch MessageType(typ) {
	case TypeConnectionInit, TypeConnectionAck, TypeSubscribe, TypeNext, TypeError, TypeConnectionError:
		return MessageType(typ)
	default:
		return TypeUnknown
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Detection is the detectionActivity record, kept verbatim.
type Detection json.RawMessage

func (d Detection) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return []byte(d), nil
}

// Identity reads the track and device ids for log correlation. Missing or
// non-string values come back empty.
func (d Detection) Identity() (trackID string, deviceID string) {
	var ids struct {
		GlobalTrackID any `json:"globalTrackId"`
		DeviceID      any `json:"deviceId"`
	}
	if err := json.Unmarshal(d, &ids); err != nil {
		return "", ""
	}
	return scalarText(ids.GlobalTrackID), scalarText(ids.DeviceID)
}

func scalarText(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// ExtractDetection returns payload.data.detectionActivity of a next frame.
// An absent or null value at any level is a *MissingFieldError.
func ExtractDetection(f Frame) (Detection, error) {
	path := []string{"data", "detectionActivity"}
	current := f.Payload
	walked := "payload"
	if isNull(current) {
		return nil, &MissingFieldError{Path: walked}
	}
	for _, key := range path {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(current, &object); err != nil {
			return nil, &MissingFieldError{Path: walked + "." + key}
		}
		walked += "." + key
		next, ok := object[key]
		if !ok || isNull(next) {
			return nil, &MissingFieldError{Path: walked}
		}
		current = next
	}
	return Detection(current), nil
}

// GraphQLError is one entry of an error frame's list payload.
type GraphQLError struct {
	Message    string           `json:"message"`
	Locations  []ErrorLocation  `json:"locations,omitempty"`
	Extensions *ErrorExtensions `json:"extensions,omitempty"`
}

type ErrorLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type ErrorExtensions struct {
	Classification any `json:"classification,omitempty"`
}

func (e GraphQLError) MessageText() string {
	if strings.TrimSpace(e.Message) == "" {
		return "No message provided"
	}
	return e.Message
}

func (e GraphQLError) ClassificationText() string {
	if e.Extensions == nil || e.Extensions.Classification == nil {
		return "No classification"
	}
	if text, ok := e.Extensions.Classification.(string); ok {
		return text
	}
	out, err := json.Marshal(e.Extensions.Classification)
	if err != nil {
		return fmt.Sprint(e.Extensions.Classification)
	}
	return string(out)
}

func (e GraphQLError) LocationsText() string {
	parts := make([]string, 0, len(e.Locations))
	for _, loc := range e.Locations {
		parts = append(parts, fmt.Sprintf("%d:%d", loc.Line, loc.Column))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ParseErrors decodes an error frame payload in its list form. The second
// result is false when the payload is some other (opaque) value.
func ParseErrors(payload json.RawMessage) ([]GraphQLError, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var list []GraphQLError
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, false
	}
	return list, true
}
