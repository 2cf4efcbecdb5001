package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/protocol"
	"github.com/remoteman/remoteman/pkg/spec"
)

// maxStderr caps how much plugin stderr is carried into an error detail.
const maxStderr = 4096

// ExecHandler runs an external executable speaking the line-delimited JSON
// protocol on stdin and stdout.
type ExecHandler struct {
	plugin
	logger zerolog.Logger
}

// NewExecHandler creates a handler for the executable at path.
func NewExecHandler(name, path string, timeout time.Duration, logger zerolog.Logger) *ExecHandler {
	return &ExecHandler{
		plugin: plugin{name: name, path: path, timeout: timeout},
		logger: logger.With().Str("handler", name).Logger(),
	}
}

// Apply implements Handler.
func (h *ExecHandler) Apply(ctx context.Context, job *spec.JobSpec, commit bool) (engine.ExecutionResult, error) {
	var stdin bytes.Buffer
	if err := protocol.NewEncoder(&stdin).EncodeApply(applyRequest(job, commit)); err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("failed to encode request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, h.deadline())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, h.path)
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return engine.ExecutionResult{}, fmt.Errorf("plugin timed out after %v", h.deadline())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		if msg == "" {
			return engine.ExecutionResult{}, fmt.Errorf("plugin failed: %w", err)
		}
		return engine.ExecutionResult{}, fmt.Errorf("plugin failed: %w: %s", err, msg)
	}

	return h.readResponse(&stdout)
}

func (h *ExecHandler) readResponse(r io.Reader) (engine.ExecutionResult, error) {
	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return engine.ExecutionResult{}, fmt.Errorf("plugin exited without a result")
		}
		if err != nil {
			return engine.ExecutionResult{}, fmt.Errorf("invalid plugin output: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseData(msg.Data, &event); err != nil {
				return engine.ExecutionResult{}, err
			}
			h.logEvent(&event)
		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseData(msg.Data, &done); err != nil {
				return engine.ExecutionResult{}, err
			}
			return resultFromDone(&done)
		case protocol.MessageTypeError:
			var perr protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &perr); err != nil {
				return engine.ExecutionResult{}, err
			}
			if perr.Code != "" {
				return engine.ExecutionResult{}, fmt.Errorf("%s: %s", perr.Code, perr.Message)
			}
			return engine.ExecutionResult{}, errors.New(perr.Message)
		default:
			return engine.ExecutionResult{}, fmt.Errorf("unexpected %s message from plugin", msg.Type)
		}
	}
}

func (h *ExecHandler) logEvent(event *protocol.EventMessage) {
	var e *zerolog.Event
	switch event.Level {
	case "warn":
		e = h.logger.Warn()
	case "info":
		e = h.logger.Info()
	default:
		e = h.logger.Debug()
	}
	e.Msg(event.Message)
}
