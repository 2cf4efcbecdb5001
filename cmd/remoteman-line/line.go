package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/protocol"
)

type lineParams struct {
	Path   string `mapstructure:"path"`
	Line   string `mapstructure:"line"`
	Regexp string `mapstructure:"regexp"`
	Ensure string `mapstructure:"ensure"`
	Create *bool  `mapstructure:"create"`
}

func (p *lineParams) validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(p.Path) {
		return fmt.Errorf("path %q must be absolute", p.Path)
	}
	if strings.ContainsAny(p.Line, "\n\r") {
		return fmt.Errorf("line must not contain newlines")
	}
	switch p.Ensure {
	case "":
		p.Ensure = "present"
	case "present", "absent":
	default:
		return fmt.Errorf("ensure must be present or absent, got %q", p.Ensure)
	}
	if p.Ensure == "present" && p.Line == "" {
		return fmt.Errorf("line is required when ensure is present")
	}
	if p.Ensure == "absent" && p.Line == "" && p.Regexp == "" {
		return fmt.Errorf("line or regexp is required when ensure is absent")
	}
	return nil
}

// apply converges one line job.
func apply(req *protocol.ApplyRequest, emit func(level, message string)) (*protocol.DoneMessage, error) {
	var p lineParams
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(req.Params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	var pattern *regexp.Regexp
	if p.Regexp != "" {
		if pattern, err = regexp.Compile(p.Regexp); err != nil {
			return nil, fmt.Errorf("invalid regexp: %w", err)
		}
	}

	perm := os.FileMode(0o644)
	existing, err := os.ReadFile(p.Path)
	switch {
	case err == nil:
		info, statErr := os.Stat(p.Path)
		if statErr != nil {
			return nil, statErr
		}
		perm = info.Mode().Perm()
	case os.IsNotExist(err):
		if p.Ensure == "absent" {
			return done(engine.StatusUnchanged, "file does not exist"), nil
		}
		if p.Create != nil && !*p.Create {
			return nil, fmt.Errorf("%s does not exist and create is false", p.Path)
		}
	default:
		return nil, fmt.Errorf("failed to read %s: %w", p.Path, err)
	}

	var (
		lines   []string
		actions []string
	)
	if p.Ensure == "present" {
		lines, actions = ensurePresent(splitLines(existing), p.Line, pattern)
	} else {
		lines, actions = ensureAbsent(splitLines(existing), p.Line, pattern)
	}

	if len(actions) == 0 {
		return done(engine.StatusUnchanged, "line already "+p.Ensure), nil
	}

	if !req.Commit {
		msg := done(engine.StatusWouldChange, strings.Join(actions, "; "))
		msg.Actions = actions
		return msg, nil
	}

	emit("info", fmt.Sprintf("updating %s: %s", p.Path, strings.Join(actions, "; ")))
	if err := writeLines(p.Path, lines, perm); err != nil {
		return nil, err
	}

	msg := done(engine.StatusChanged, strings.Join(actions, "; "))
	msg.Actions = actions
	return msg, nil
}

func done(status engine.Status, detail string) *protocol.DoneMessage {
	return &protocol.DoneMessage{Status: string(status), Detail: detail}
}

// ensurePresent replaces the last line matching pattern with line, or appends
// line when nothing matches.
func ensurePresent(lines []string, line string, pattern *regexp.Regexp) ([]string, []string) {
	match := -1
	for i, l := range lines {
		if (pattern != nil && pattern.MatchString(l)) || (pattern == nil && l == line) {
			match = i
		}
	}

	switch {
	case match >= 0 && lines[match] == line:
		return lines, nil
	case match >= 0:
		out := append([]string(nil), lines...)
		out[match] = line
		return out, []string{fmt.Sprintf("replace line %d", match+1)}
	default:
		if pattern != nil {
			for _, l := range lines {
				if l == line {
					return lines, nil
				}
			}
		}
		return append(append([]string(nil), lines...), line), []string{"append line"}
	}
}

// ensureAbsent drops every line equal to line or matching pattern.
func ensureAbsent(lines []string, line string, pattern *regexp.Regexp) ([]string, []string) {
	out := make([]string, 0, len(lines))
	removed := 0
	for _, l := range lines {
		if (line != "" && l == line) || (pattern != nil && pattern.MatchString(l)) {
			removed++
			continue
		}
		out = append(out, l)
	}
	if removed == 0 {
		return lines, nil
	}
	return out, []string{fmt.Sprintf("remove %d line(s)", removed)}
}

func splitLines(data []byte) []string {
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// writeLines replaces path atomically through a temp file in the same directory.
func writeLines(path string, lines []string, perm os.FileMode) (err error) {
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
