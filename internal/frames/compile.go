// Package frames derives session state from the append-only frame log.
//
// The log is the source of truth. Compile folds a frame sequence into the
// current compiled state; nothing here mutates frames or keeps shortcuts
// around between calls.
package frames

import (
	"encoding/json"

	"github.com/herolabs/hero/pkg/models"
)

// Compile replays frames in order into the compiled state map. The fold is
// deterministic and idempotent: the same sequence always produces the same
// map.
//
// Replay rules per frame type:
//   - message, request, result, and unknown types write their payload under
//     the frame id; a later frame with the same id wins.
//   - update rewrites the compiled payload of each target "frame:<id>" that
//     is already present; missing targets are dropped silently and the
//     update frame itself never appears in the map.
//   - compact loads its snapshot entries, overwriting existing ids.
//
// Corrupt payloads read as empty objects rather than failing the replay.
func Compile(log []*models.Frame) map[string]json.RawMessage {
	compiled := make(map[string]json.RawMessage, len(log))

	for _, frame := range log {
		switch frame.Type {
		case models.FrameUpdate:
			for _, target := range frame.TargetIDs {
				id, ok := models.TargetFrameID(target)
				if !ok {
					continue
				}
				if _, exists := compiled[id]; exists {
					compiled[id] = sanitizePayload(frame.Payload)
				}
			}

		case models.FrameCompact:
			var payload models.CompactPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				continue
			}
			for id, snap := range payload.Snapshot {
				compiled[id] = sanitizePayload(snap)
			}

		default:
			// message, request, result, and anything unrecognized.
			compiled[frame.ID] = sanitizePayload(frame.Payload)
		}
	}

	return compiled
}

// sanitizePayload guards replay against corrupt rows: anything that is not
// valid JSON reads as an empty object.
func sanitizePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// CompiledFrame pairs a frame from the log with its effective payload after
// replay. Update and compact frames do not appear; their effects do.
type CompiledFrame struct {
	Frame   *models.Frame
	Payload json.RawMessage
}

// CompileOrdered replays the log and returns the surviving frames in log
// order with their compiled payloads. This is the view the turn pipeline
// builds conversation context from: ordering comes from the log, payloads
// come from the compiled state.
func CompileOrdered(log []*models.Frame) []CompiledFrame {
	compiled := Compile(log)

	out := make([]CompiledFrame, 0, len(log))
	seen := make(map[string]bool, len(log))
	for _, frame := range log {
		if frame.Type == models.FrameUpdate || frame.Type == models.FrameCompact {
			continue
		}
		if seen[frame.ID] {
			continue
		}
		payload, ok := compiled[frame.ID]
		if !ok {
			continue
		}
		seen[frame.ID] = true
		out = append(out, CompiledFrame{Frame: frame, Payload: payload})
	}
	return out
}

// Messages decodes the message frames of a replayed log, in order, keeping
// only the given kinds. An empty kinds set keeps every message. Frames whose
// payload does not decode as a message are skipped.
func Messages(log []*models.Frame, kinds ...models.MessageKind) []CompiledMessage {
	var out []CompiledMessage
	for _, cf := range CompileOrdered(log) {
		if cf.Frame.Type != models.FrameMessage {
			continue
		}
		var payload models.MessagePayload
		if err := json.Unmarshal(cf.Payload, &payload); err != nil {
			continue
		}
		if payload.Kind == "" {
			payload.Kind = models.KindMessage
		}
		if len(kinds) > 0 && !kindIn(payload.Kind, kinds) {
			continue
		}
		out = append(out, CompiledMessage{Frame: cf.Frame, Payload: payload})
	}
	return out
}

// CompiledMessage is a message frame with its decoded effective payload.
type CompiledMessage struct {
	Frame   *models.Frame
	Payload models.MessagePayload
}

func kindIn(kind models.MessageKind, kinds []models.MessageKind) bool {
	for _, k := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
