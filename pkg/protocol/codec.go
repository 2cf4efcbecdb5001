package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Encoder writes protocol messages to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msgBytes, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeApply sends an APPLY message.
func (e *Encoder) EncodeApply(req *ApplyRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return e.Encode(MessageTypeApply, req)
}

// EncodeEvent sends an EVENT message.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone sends a DONE message.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(err *ErrorMessage) error {
	return e.Encode(MessageTypeError, err)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream. Blank lines are skipped.
func (d *Decoder) Decode() (*Message, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}

		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, fmt.Errorf("invalid message: %w", err)
		}
		return &msg, nil
	}
}

// DecodeApply reads an APPLY message.
func (d *Decoder) DecodeApply() (*ApplyRequest, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeApply {
		return nil, fmt.Errorf("expected APPLY message, got %s", msg.Type)
	}

	var req ApplyRequest
	if err := ParseData(msg.Data, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}
