package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

// Kind is the decoded meaning of a frame.
type Kind int

const (
	// KindIgnored frames carry nothing the engine uses, for example
	// auth_required or a result with a null payload.
	KindIgnored Kind = iota
	KindAuthOK
	KindPong
	KindFailedResult
	KindEntitySnapshot
	KindServiceSnapshot
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindAuthOK:
		return "auth_ok"
	case KindPong:
		return "pong"
	case KindFailedResult:
		return "failed_result"
	case KindEntitySnapshot:
		return "entity_snapshot"
	case KindServiceSnapshot:
		return "service_snapshot"
	case KindEvent:
		return "event"
	default:
		return "ignored"
	}
}

// Message is a decoded frame.
type Message struct {
	Kind Kind
	Type string
	ID   int64

	Entities []*hass.EntityState
	Services []*hass.ServiceDomain
	Event    hass.Event

	// RecordErrors lists snapshot records that were skipped.
	RecordErrors []error
	Raw          []byte
}

// Decode parses one frame. A frame that is not a JSON object, or has no string
// "type", returns an invalid-class error and should be dropped.
func Decode(raw []byte) (*Message, error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "hub", "Decode", "parse frame")
	}
	msgType, ok := msg["type"].(string)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrMissingType, "hub", "Decode", "read type")
	}

	out := &Message{Kind: KindIgnored, Type: msgType, Raw: raw}
	if id, ok := msg["id"].(float64); ok {
		out.ID = int64(id)
	}

	switch {
	case strings.Contains(msgType, "auth_ok"):
		out.Kind = KindAuthOK
	case strings.Contains(msgType, "result"):
		decodeResult(msg, out)
	case strings.Contains(msgType, "pong"):
		out.Kind = KindPong
	case strings.Contains(msgType, "event"):
		eventObj, ok := msg["event"].(map[string]any)
		if !ok {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: event", errors.ErrMissingField), "hub", "Decode", "read event")
		}
		ev, err := hass.EventFromMap(eventObj, raw)
		if err != nil {
			return nil, err
		}
		out.Kind = KindEvent
		out.Event = ev
	}
	return out, nil
}

func decodeResult(msg map[string]any, out *Message) {
	if success, _ := msg["success"].(bool); !success {
		out.Kind = KindFailedResult
		return
	}

	switch result := msg["result"].(type) {
	case []any:
		out.Kind = KindEntitySnapshot
		out.Entities = make([]*hass.EntityState, 0, len(result))
		for i, rec := range result {
			m, ok := rec.(map[string]any)
			if !ok {
				out.RecordErrors = append(out.RecordErrors, fmt.Errorf("record %d: %w", i, errors.ErrUnexpectedShape))
				continue
			}
			st, err := hass.EntityStateFromMap(m)
			if err != nil {
				out.RecordErrors = append(out.RecordErrors, fmt.Errorf("record %d: %w", i, err))
				continue
			}
			out.Entities = append(out.Entities, st)
		}
	case map[string]any:
		out.Kind = KindServiceSnapshot
		out.Services = make([]*hass.ServiceDomain, 0, len(result))
		for _, domain := range sortedDomains(result) {
			sd, err := hass.ServiceDomainFromMap(domain, result[domain])
			if err != nil {
				out.RecordErrors = append(out.RecordErrors, err)
				continue
			}
			out.Services = append(out.Services, sd)
		}
	}
}
