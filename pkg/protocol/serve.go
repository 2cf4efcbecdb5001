package protocol

import (
	"errors"
	"fmt"
	"io"
)

// HandlerFunc converges one job inside a plugin. emit sends progress events.
type HandlerFunc func(req *ApplyRequest, emit func(level, message string)) (*DoneMessage, error)

// Serve runs the plugin side of the protocol: it reads one APPLY request from r,
// invokes fn and writes the events plus the final DONE or ERROR message to w.
func Serve(r io.Reader, w io.Writer, fn HandlerFunc) error {
	enc := NewEncoder(w)

	req, err := NewDecoder(r).DecodeApply()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("no request received")
		}
		_ = enc.EncodeError(&ErrorMessage{Code: "BAD_REQUEST", Message: err.Error()})
		return err
	}

	emit := func(level, message string) {
		_ = enc.EncodeEvent(&EventMessage{Level: level, Message: message})
	}

	done, err := fn(req, emit)
	if err != nil {
		return enc.EncodeError(&ErrorMessage{Code: "APPLY_FAILED", Message: err.Error()})
	}
	return enc.EncodeDone(done)
}
