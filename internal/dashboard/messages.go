// Package dashboard keeps observer clients synchronized with session
// progress over WebSocket. Messages are a closed tagged set; they are
// fanned out to every connected client and never persisted.
package dashboard

import "encoding/json"

// Message is a tagged value sent to all dashboard observers.
type Message struct {
	Type    string
	Payload map[string]any
}

// MarshalJSON flattens the payload next to the type discriminator,
// matching the wire protocol the dashboard page consumes.
func (m Message) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(m.Payload)+1)
	for k, v := range m.Payload {
		obj[k] = v
	}
	obj["type"] = m.Type
	return json.Marshal(obj)
}

// Broadcaster is the fan-out capability components depend on.
type Broadcaster interface {
	Broadcast(msg Message)
}

// Pattern announces a full replacement of the running pattern text.
func Pattern(text string) Message {
	return Message{Type: "pattern", Payload: map[string]any{"data": text}}
}

// SongInfo announces the session identity for display.
func SongInfo(artist, song string) Message {
	return Message{Type: "songInfo", Payload: map[string]any{"artist": artist, "song": song}}
}

// Error carries raw runtime error text from the live environment.
func Error(text string) Message {
	return Message{Type: "error", Payload: map[string]any{"data": text}}
}

// RetryUpdate announces the current retry attempt number.
func RetryUpdate(count int) Message {
	return Message{Type: "retryUpdate", Payload: map[string]any{"count": count}}
}

// AutoplayStarted confirms playback started.
func AutoplayStarted() Message {
	return Message{Type: "autoplayStarted", Payload: map[string]any{}}
}

// RecordingStarted announces the capture lifecycle beginning.
func RecordingStarted(filename string) Message {
	return Message{Type: "recordingStarted", Payload: map[string]any{"filename": filename}}
}

// RecordingStopped announces the final capture artifact.
func RecordingStopped(filename string, durationSec float64) Message {
	return Message{Type: "recordingStopped", Payload: map[string]any{
		"filename": filename,
		"duration": durationSec,
	}}
}

// ModeChange announces a refinement phase transition.
func ModeChange(mode, phase, description string) Message {
	return Message{Type: "modeChange", Payload: map[string]any{
		"mode":        mode,
		"phase":       phase,
		"description": description,
	}}
}

// VisualizationUpdate carries phase-specific progress data such as the
// kaizen worklist snapshot or the surgery target list.
func VisualizationUpdate(mode string, data any) Message {
	return Message{Type: "visualizationUpdate", Payload: map[string]any{
		"mode": mode,
		"data": data,
	}}
}

// Log carries a free-text status line.
func Log(message, level string) Message {
	return Message{Type: "log", Payload: map[string]any{
		"message": message,
		"level":   level,
	}}
}

// inbound is an observer→server command.
type inbound struct {
	Type string `json:"type"`
}
