// Package protocol defines the JSON-over-stdio protocol spoken between remoteman and
// external handler plugins.
//
// The agent writes one APPLY message to the plugin's stdin. The plugin may emit any
// number of EVENT messages and must finish with exactly one DONE or ERROR message on
// stdout. Every message is a single JSON line.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeApply carries a job from the agent to the plugin
	MessageTypeApply MessageType = "APPLY"
	// MessageTypeEvent carries a progress line from the plugin
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone carries the job outcome
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports that the plugin could not handle the job
	MessageTypeError MessageType = "ERROR"
)

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeApply, MessageTypeEvent, MessageTypeDone, MessageTypeError:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", mt)
	}
}

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ApplyRequest asks a plugin to converge one job.
type ApplyRequest struct {
	Component string         `json:"component"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params"`
	Commit    bool           `json:"commit"`
}

// Validate checks required request fields.
func (r *ApplyRequest) Validate() error {
	if r.Component == "" {
		return fmt.Errorf("component is required")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// EventMessage is a progress line surfaced in the agent's log.
type EventMessage struct {
	Level   string `json:"level"` // debug, info, warn
	Message string `json:"message"`
}

// Validate checks event fields.
func (e *EventMessage) Validate() error {
	if e.Message == "" {
		return fmt.Errorf("message is required")
	}
	switch e.Level {
	case "", "debug", "info", "warn":
		return nil
	default:
		return fmt.Errorf("invalid level: %s", e.Level)
	}
}

// DoneMessage is the job outcome.
type DoneMessage struct {
	Status  string   `json:"status"`
	Detail  string   `json:"detail,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

// ErrorMessage reports a plugin-side failure.
type ErrorMessage struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ParseData decodes a message payload into target.
func ParseData(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
