// Package wire defines the message shape exchanged between collabd and its clients.
//
// A message is a named element with string attributes, optional child elements and
// optional text. On the websocket transport each message is encoded as one JSON object.
package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	apperrors "github.com/charlesng35/collabd/pkg/errors"
)

// Message tags handled by the session proxy and the document session.
const (
	TagUserJoin           = "user-join"
	TagUserRejoin         = "user-rejoin"
	TagUserStatusChange   = "user-status-change"
	TagSessionUnsubscribe = "session-unsubscribe"
	TagSessionClose       = "session-close"
	TagRequestFailed      = "request-failed"

	TagSyncBegin   = "sync-begin"
	TagSyncUser    = "sync-user"
	TagSyncRequest = "sync-request"
	TagSyncEnd     = "sync-end"
	TagSyncAck     = "sync-ack"
	TagSyncError   = "sync-error"
	TagSyncCancel  = "sync-cancel"

	TagRequest = "request"
)

// Common attribute names.
const (
	AttrSeq    = "seq"
	AttrID     = "id"
	AttrName   = "name"
	AttrStatus = "status"
	AttrUser   = "user"
	AttrDomain = "domain"
	AttrCode   = "code"
)

// Scope tells the transport what to do with an inbound message after it was handled.
type Scope int

const (
	// ScopePTP consumes the message; it is not relayed.
	ScopePTP Scope = iota
	// ScopeGroup relays the message to the other members of the group.
	ScopeGroup
)

func (s Scope) String() string {
	if s == ScopeGroup {
		return "group"
	}
	return "ptp"
}

// Message is a single wire element.
type Message struct {
	Name     string            `json:"name"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []*Message        `json:"children,omitempty"`
	Text     string            `json:"text,omitempty"`
}

// New creates an empty message with the given tag.
func New(name string) *Message {
	return &Message{Name: name}
}

// Attr returns the named attribute.
func (m *Message) Attr(name string) (string, bool) {
	if m == nil || m.Attrs == nil {
		return "", false
	}
	v, ok := m.Attrs[name]
	return v, ok
}

// SetAttr sets an attribute and returns the message for chaining.
func (m *Message) SetAttr(name, value string) *Message {
	if m.Attrs == nil {
		m.Attrs = make(map[string]string)
	}
	m.Attrs[name] = value
	return m
}

// DelAttr removes an attribute.
func (m *Message) DelAttr(name string) {
	delete(m.Attrs, name)
}

// UintAttr parses an unsigned integer attribute. ok is false when the attribute is
// absent; err is set when it is present but not a valid number.
func (m *Message) UintAttr(name string) (value uint, ok bool, err error) {
	raw, present := m.Attr(name)
	if !present {
		return 0, false, nil
	}
	n, perr := strconv.ParseUint(raw, 10, 32)
	if perr != nil {
		return 0, true, apperrors.ErrInvalidAttribute.
			WithMessage("Attribute %q does not contain a valid number", name).
			WithInternal(perr)
	}
	return uint(n), true, nil
}

// SetUintAttr sets an unsigned integer attribute.
func (m *Message) SetUintAttr(name string, value uint) *Message {
	return m.SetAttr(name, strconv.FormatUint(uint64(value), 10))
}

// AddChild appends a child element.
func (m *Message) AddChild(child *Message) *Message {
	m.Children = append(m.Children, child)
	return m
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{Name: m.Name, Text: m.Text}
	if m.Attrs != nil {
		out.Attrs = make(map[string]string, len(m.Attrs))
		for k, v := range m.Attrs {
			out.Attrs[k] = v
		}
	}
	for _, c := range m.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return out
}

// String renders the message for logs.
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	keys := make([]string, 0, len(m.Attrs))
	for k := range m.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "<" + m.Name
	for _, k := range keys {
		out += fmt.Sprintf(" %s=%q", k, m.Attrs[k])
	}
	if len(m.Children) > 0 {
		out += fmt.Sprintf(" children=%d", len(m.Children))
	}
	return out + ">"
}

// Encode serialises the message.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a serialised message.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("wire: message has no name")
	}
	return &m, nil
}

// Seq builds the correlation token echoed back to the client: the subscription's seq
// id namespaces the client-chosen sequence number.
func Seq(seqID, clientSeq uint) string {
	return fmt.Sprintf("%d/%d", seqID, clientSeq)
}

// NewRequestFailed builds a request-failed reply for err. AppErrors contribute their
// domain and code; other errors are reported as internal errors.
func NewRequestFailed(err error, seq string) *Message {
	appErr := apperrors.FromError(err)

	msg := New(TagRequestFailed).
		SetAttr(AttrDomain, appErr.Domain).
		SetAttr(AttrCode, appErr.Code)
	msg.Text = appErr.Message
	if seq != "" {
		msg.SetAttr(AttrSeq, seq)
	}
	return msg
}
