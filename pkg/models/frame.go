package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the kind of event a frame records.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameRequest FrameType = "request"
	FrameResult  FrameType = "result"
	FrameUpdate  FrameType = "update"
	FrameCompact FrameType = "compact"
)

// AuthorType identifies who produced a frame.
type AuthorType string

const (
	AuthorUser   AuthorType = "user"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

// FrameTargetPrefix marks a target id that addresses another frame.
const FrameTargetPrefix = "frame:"

// Frame is one immutable entry in a session's append-only log.
// Frames are never mutated after append; the current state of a session is
// derived by replaying its frames in order.
type Frame struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	TargetIDs  []string        `json:"target_ids,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Type       FrameType       `json:"type"`
	AuthorType AuthorType      `json:"author_type"`
	AuthorID   string          `json:"author_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// SessionName is populated by search results only; it is not persisted
	// with the frame row.
	SessionName string `json:"session_name,omitempty"`
}

// NewFrameID returns a unique frame id. Version 7 UUIDs sort by creation
// time, which keeps ids readable in log order.
func NewFrameID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// FrameTarget formats a frame id as an update target.
func FrameTarget(frameID string) string {
	return FrameTargetPrefix + frameID
}

// TargetFrameID extracts the frame id from a target of the form "frame:<id>".
// The second return is false for targets addressing anything else.
func TargetFrameID(target string) (string, bool) {
	if !strings.HasPrefix(target, FrameTargetPrefix) {
		return "", false
	}
	id := target[len(FrameTargetPrefix):]
	if id == "" {
		return "", false
	}
	return id, true
}

// MessageRole is the conversational role of a message payload.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageKind classifies how a message entered the conversation.
type MessageKind string

const (
	// KindMessage is an ordinary user or assistant message.
	KindMessage MessageKind = "message"
	// KindInteraction is machine-readable output produced by an agent.
	KindInteraction MessageKind = "interaction"
	// KindSystem is runtime-generated content such as permission prompts.
	KindSystem MessageKind = "system"
	// KindFeedback carries interaction results back into the next turn.
	KindFeedback MessageKind = "feedback"
)

// MessageContent is the textual body of a message. It unmarshals from either
// a JSON string or an array of {type,text} content blocks; block arrays are
// flattened to their text parts joined by newlines.
type MessageContent string

func (c MessageContent) String() string { return string(c) }

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent(s)
		return nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of content blocks")
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(blk.Text)
	}
	*c = MessageContent(b.String())
	return nil
}

// MessagePayload is the payload of a message frame.
// Hidden messages stay in the LLM context but are not shown by default.
type MessagePayload struct {
	Role      MessageRole    `json:"role"`
	Content   MessageContent `json:"content"`
	Hidden    bool           `json:"hidden,omitempty"`
	Kind      MessageKind    `json:"kind,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RequestPayload is the payload of a request frame, recording an interaction
// the dispatcher is about to execute.
type RequestPayload struct {
	InteractionID string          `json:"interaction_id"`
	Assertion     string          `json:"assertion"`
	Name          string          `json:"name"`
	Args          json.RawMessage `json:"args,omitempty"`
	Pipeline      string          `json:"pipeline,omitempty"`
}

// ResultStatus is the terminal state of an executed interaction.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultAborted   ResultStatus = "aborted"
	ResultDenied    ResultStatus = "denied"
)

// ResultPayload is the payload of a result frame. A result frame always
// follows the request frame for the same interaction within a turn.
type ResultPayload struct {
	InteractionID string          `json:"interaction_id"`
	Status        ResultStatus    `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
}

// CompactPayload is the payload of a compact frame: a full snapshot of the
// compiled state at the moment of compaction. Replay loads the snapshot and
// continues with any frames appended afterwards.
type CompactPayload struct {
	Snapshot map[string]json.RawMessage `json:"snapshot"`
}
