// Package onebot models the OneBot v11 wire traffic the dispatcher touches.
//
// Events are weakly typed JSON objects whose shape varies between adapter
// implementations, so the package keeps them as a raw bag (Event) and exposes
// typed accessors for the handful of fields the core reads. The passthrough
// forward path deep-copies the bag so unknown fields round-trip untouched.
package onebot

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// Post types of incoming events.
const (
	PostTypeMessage   = "message"
	PostTypeMetaEvent = "meta_event"
	PostTypeNotice    = "notice"
	PostTypeRequest   = "request"
)

// Event is a decoded OneBot v11 event, kept as a raw bag so the forward path
// preserves fields the dispatcher does not interpret.
type Event map[string]any

// Decode parses a JSON frame into an Event.
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// Marshal serializes the event; non-ASCII text is preserved verbatim.
func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

func (e Event) str(key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return ""
}

// encoding/json decodes numbers as float64; some adapters send string ids.
func (e Event) num(key string) int64 {
	switch v := e[key].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		var n int64
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

// PostType returns the event's post_type.
func (e Event) PostType() string { return e.str("post_type") }

// MessageType returns "group" or "private" for message events.
func (e Event) MessageType() string { return e.str("message_type") }

// SubType returns the event's sub_type.
func (e Event) SubType() string { return e.str("sub_type") }

// MetaEventType returns the meta_event_type for meta events.
func (e Event) MetaEventType() string { return e.str("meta_event_type") }

// SelfID returns the bot self id.
func (e Event) SelfID() int64 { return e.num("self_id") }

// UserID returns the sender id.
func (e Event) UserID() int64 { return e.num("user_id") }

// GroupID returns the group id, 0 for private messages.
func (e Event) GroupID() int64 { return e.num("group_id") }

// RawMessage returns the plain-text message body.
func (e Event) RawMessage() string { return e.str("raw_message") }

// Nickname returns sender.nickname when present.
func (e Event) Nickname() string {
	if s, ok := e["sender"].(map[string]any); ok {
		if n, ok := s["nickname"].(string); ok {
			return n
		}
	}
	return ""
}

// MessageID returns the message id rendered as a string; adapters disagree on
// whether it is numeric.
func (e Event) MessageID() string {
	switch v := e["message_id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%d", int64(v))
	case json.Number:
		return v.String()
	}
	return ""
}

// Action is an OneBot v11 API call frame.
type Action struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo,omitempty"`
}

// Echo returns the correlation id of a frame, "" when absent. Used to match
// API responses to in-flight requests.
func Echo(raw []byte) string {
	var probe struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Echo
}

// ReplyAction builds the send_group_msg / send_private_msg action answering
// the given message event.
func ReplyAction(orig Event, text string) ([]byte, error) {
	a := Action{
		Params: map[string]any{"message": text},
		Echo:   "reply_" + orig.MessageID(),
	}
	if orig.MessageType() == "group" {
		a.Action = "send_group_msg"
		a.Params["group_id"] = orig.GroupID()
	} else {
		a.Action = "send_private_msg"
		a.Params["user_id"] = orig.UserID()
	}
	return json.Marshal(a)
}

// ForwardEnvelope deep-copies an inbound event and rewrites self_id, message
// and raw_message for delivery to a downstream bot. Every other field —
// message_id, sender, time, sub_type and anything the adapter added — is
// preserved byte-for-byte.
//
// Some adapters push message as a segment array; downstream bots of the
// simple kind only accept strings, so message is always flattened to text.
func ForwardEnvelope(orig Event, selfID int64, text string) Event {
	out := deepCopy(map[string]any(orig)).(map[string]any)
	out["self_id"] = selfID
	out["message"] = text
	out["raw_message"] = text
	return Event(out)
}

// SynthesizeMessageEvent builds a minimal OneBot v11 message event for the
// case where no original event is available (e.g. final-rule forwards).
func SynthesizeMessageEvent(selfID, userID, groupID int64, text string, now time.Time) Event {
	e := Event{
		"time":         now.Unix(),
		"self_id":      selfID,
		"post_type":    PostTypeMessage,
		"message_type": "private",
		"sub_type":     "normal",
		"message_id":   rand.Int63n(1_000_000) + 1,
		"user_id":      userID,
		"message":      text,
		"raw_message":  text,
		"font":         0,
		"sender": map[string]any{
			"user_id":  userID,
			"nickname": "User",
			"sex":      "unknown",
			"age":      0,
		},
	}
	if groupID != 0 {
		e["message_type"] = "group"
		e["group_id"] = groupID
	}
	return e
}

// LifecycleConnect is the meta event announced on every freshly opened
// outbound link; some downstream frameworks ignore all traffic until they
// have seen it.
func LifecycleConnect(now time.Time) []byte {
	raw, _ := json.Marshal(map[string]any{
		"time":            now.Unix(),
		"self_id":         0,
		"post_type":       PostTypeMetaEvent,
		"meta_event_type": "lifecycle",
		"sub_type":        "connect",
	})
	return raw
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
