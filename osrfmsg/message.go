// Package osrfmsg implements the Method Message: a typed envelope carried
// inside a bus.Message body, and the batch framing that serializes a
// sequence of them to one JSON array.
package osrfmsg

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// RawMessage re-exports the JSON codec's raw-value type so callers outside
// this package never need a parallel import of segmentio/encoding/json
// just to build REQUEST params.
type RawMessage = json.RawMessage

// MarshalParam encodes one REQUEST positional argument to its wire form.
func MarshalParam(v any) (RawMessage, error) {
	if raw, ok := v.(RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Kind discriminates the five Method Message variants.
type Kind string

const (
	KindConnect    Kind = "CONNECT"
	KindDisconnect Kind = "DISCONNECT"
	KindRequest    Kind = "REQUEST"
	KindResult     Kind = "RESULT"
	KindStatus     Kind = "STATUS"
)

// StatusCode partitions STATUS messages into keepalive, success, and
// failure groups.
type StatusCode int

const (
	StatusContinue            StatusCode = 100
	StatusOK                  StatusCode = 200
	StatusComplete            StatusCode = 205
	StatusNotAllowed          StatusCode = 403
	StatusNotFound            StatusCode = 404
	StatusTimeout             StatusCode = 408
	StatusInternalServerError StatusCode = 500
	StatusServiceUnavailable  StatusCode = 503
)

// Continuation reports whether the code is the keepalive reset CONTINUE.
func (c StatusCode) Continuation() bool { return c == StatusContinue }

// Terminal reports whether receiving this code should mark a Request
// complete (anything other than CONTINUE).
func (c StatusCode) Terminal() bool { return c != StatusContinue }

// Failure reports whether the code represents an error outcome.
func (c StatusCode) Failure() bool {
	switch c {
	case StatusNotFound, StatusTimeout, StatusNotAllowed, StatusServiceUnavailable, StatusInternalServerError:
		return true
	default:
		return false
	}
}

// Message is the tagged-variant Method Message. Only the fields relevant to
// Kind are meaningful; the others are left zero-valued.
type Message struct {
	Kind        Kind
	ThreadTrace int
	Locale      string
	Protocol    int

	// REQUEST
	Method string
	Params []json.RawMessage

	// RESULT
	Content json.RawMessage

	// STATUS
	StatusCode StatusCode
	StatusName string
	StatusText string
}

// Batch is an ordered sequence of Method Messages, the unit that gets
// serialized into a bus.Message body.
type Batch []*Message

// wire envelope shapes. Decoding is permissive about field order and extra
// keys because segmentio/encoding/json, like encoding/json, ignores unknown
// fields by default.
type wireEnvelope struct {
	Class   string      `json:"__c"`
	Payload wirePayload `json:"__p"`
}

type wirePayload struct {
	ThreadTrace int             `json:"threadTrace"`
	Type        string          `json:"type"`
	Locale      string          `json:"locale,omitempty"`
	Protocol    int             `json:"protocol,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type wireMethodPayload struct {
	Class   string             `json:"__c"`
	Payload wireMethodInnerPay `json:"__p"`
}

type wireMethodInnerPay struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type wireResultPayload struct {
	Class   string             `json:"__c"`
	Payload wireResultInnerPay `json:"__p"`
}

type wireResultInnerPay struct {
	Content json.RawMessage `json:"content"`
}

type wireStatusPayload struct {
	Class   string             `json:"__c"`
	Payload wireStatusInnerPay `json:"__p"`
}

type wireStatusInnerPay struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
}

const (
	classMessage = "osrfMessage"
	classMethod  = "osrfMethod"
	classResult  = "osrfResult"
	classStatus  = "osrfConnectStatus"
)

// MarshalJSON implements the class-hinted wire encoding for one Message.
func (m *Message) MarshalJSON() ([]byte, error) {
	env := wireEnvelope{
		Class: classMessage,
		Payload: wirePayload{
			ThreadTrace: m.ThreadTrace,
			Type:        string(m.Kind),
			Locale:      m.Locale,
			Protocol:    m.Protocol,
		},
	}

	switch m.Kind {
	case KindConnect, KindDisconnect:
		// no payload

	case KindRequest:
		params := m.Params
		if params == nil {
			params = []json.RawMessage{}
		}
		raw, err := json.Marshal(wireMethodPayload{
			Class: classMethod,
			Payload: wireMethodInnerPay{
				Method: m.Method,
				Params: params,
			},
		})
		if err != nil {
			return nil, err
		}
		env.Payload.Payload = raw

	case KindResult:
		raw, err := json.Marshal(wireResultPayload{
			Class:   classResult,
			Payload: wireResultInnerPay{Content: m.Content},
		})
		if err != nil {
			return nil, err
		}
		env.Payload.Payload = raw

	case KindStatus:
		raw, err := json.Marshal(wireStatusPayload{
			Class: classStatus,
			Payload: wireStatusInnerPay{
				Status:     m.StatusText,
				StatusCode: int(m.StatusCode),
			},
		})
		if err != nil {
			return nil, err
		}
		env.Payload.Payload = raw

	default:
		return nil, fmt.Errorf("osrfmsg: unknown message kind %q", m.Kind)
	}

	return json.Marshal(env)
}

// UnmarshalJSON parses one Message back from its wire envelope, permissive
// of extra keys and field order.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("osrfmsg: failed to parse envelope: %w", err)
	}

	m.Kind = Kind(env.Payload.Type)
	m.ThreadTrace = env.Payload.ThreadTrace
	m.Locale = env.Payload.Locale
	m.Protocol = env.Payload.Protocol

	switch m.Kind {
	case KindConnect, KindDisconnect:
		// nothing else to decode

	case KindRequest:
		var mp wireMethodPayload
		if len(env.Payload.Payload) > 0 {
			if err := json.Unmarshal(env.Payload.Payload, &mp); err != nil {
				return fmt.Errorf("osrfmsg: failed to parse REQUEST payload: %w", err)
			}
		}
		m.Method = mp.Payload.Method
		m.Params = mp.Payload.Params

	case KindResult:
		var rp wireResultPayload
		if len(env.Payload.Payload) > 0 {
			if err := json.Unmarshal(env.Payload.Payload, &rp); err != nil {
				return fmt.Errorf("osrfmsg: failed to parse RESULT payload: %w", err)
			}
		}
		m.Content = rp.Payload.Content

	case KindStatus:
		var sp wireStatusPayload
		if len(env.Payload.Payload) > 0 {
			if err := json.Unmarshal(env.Payload.Payload, &sp); err != nil {
				return fmt.Errorf("osrfmsg: failed to parse STATUS payload: %w", err)
			}
		}
		m.StatusCode = StatusCode(sp.Payload.StatusCode)
		m.StatusText = sp.Payload.Status
		m.StatusName = statusName(m.StatusCode)

	default:
		return fmt.Errorf("osrfmsg: unknown message kind %q", m.Kind)
	}

	return nil
}

func statusName(c StatusCode) string {
	switch c {
	case StatusContinue:
		return "CONTINUE"
	case StatusOK:
		return "OK"
	case StatusComplete:
		return "COMPLETE"
	case StatusNotAllowed:
		return "NOTALLOWED"
	case StatusNotFound:
		return "NOTFOUND"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusInternalServerError:
		return "INTERNALSERVERERROR"
	case StatusServiceUnavailable:
		return "SERVICEUNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// EncodeBatch serializes a batch of Method Messages to the single JSON
// array carried as a bus.Message body.
func EncodeBatch(b Batch) ([]byte, error) {
	return json.Marshal(b)
}

// EncodeRawArray serializes a slice of raw JSON values as one JSON array,
// used both for atomic RESULT payloads and for call-log param snapshots.
func EncodeRawArray(vs []json.RawMessage) (json.RawMessage, error) {
	if vs == nil {
		vs = []json.RawMessage{}
	}
	return json.Marshal(vs)
}

// DecodeBatch parses a bus.Message body into its batch of Method Messages.
func DecodeBatch(body []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("osrfmsg: failed to parse batch: %w", err)
	}
	return b, nil
}

// NewConnect builds a CONNECT Method Message.
func NewConnect(threadTrace int) *Message {
	return &Message{Kind: KindConnect, ThreadTrace: threadTrace}
}

// NewDisconnect builds a DISCONNECT Method Message.
func NewDisconnect(threadTrace int) *Message {
	return &Message{Kind: KindDisconnect, ThreadTrace: threadTrace}
}

// NewRequest builds a REQUEST Method Message.
func NewRequest(threadTrace int, method string, params []json.RawMessage, locale string) *Message {
	return &Message{
		Kind:        KindRequest,
		ThreadTrace: threadTrace,
		Method:      method,
		Params:      params,
		Locale:      locale,
	}
}

// NewResult builds a RESULT Method Message.
func NewResult(threadTrace int, content json.RawMessage) *Message {
	return &Message{Kind: KindResult, ThreadTrace: threadTrace, Content: content}
}

// NewStatus builds a STATUS Method Message.
func NewStatus(threadTrace int, code StatusCode, text string) *Message {
	return &Message{
		Kind:        KindStatus,
		ThreadTrace: threadTrace,
		StatusCode:  code,
		StatusName:  statusName(code),
		StatusText:  text,
	}
}
