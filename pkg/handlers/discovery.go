package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const schemaSuffix = ".schema.json"

// candidate is one file that could provide a handler.
type candidate struct {
	kind string
	path string
}

// kindPriority orders candidates sharing a name; lower wins.
var kindPriority = map[string]int{
	KindStarlark: 0,
	KindWASM:     1,
	KindExec:     2,
}

// DiscoverOptions tunes handler discovery.
type DiscoverOptions struct {
	// Timeout bounds each apply call of a discovered handler.
	Timeout time.Duration
}

// Discover registers override handlers found in dir:
//
//	<name>.star   Starlark script defining apply(params, commit)
//	<name>.wasm   WebAssembly module
//	<name>        executable speaking the stdio protocol
//
// Files are visited in name order. When several files provide the same name the
// Starlark script wins over the WASM module, which wins over the executable. A plugin
// that fails to load is logged and skipped. An optional <name>.schema.json next to
// the plugin supplies its parameter schema.
func Discover(ctx context.Context, reg *Registry, dir string, opts DiscoverOptions, logger zerolog.Logger) ([]Info, error) {
	logger = logger.With().Str("component", "discovery").Str("dir", dir).Logger()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read handler directory: %w", err)
	}

	candidates := make(map[string][]candidate)
	for _, e := range entries {
		fileName := e.Name()
		if e.IsDir() || strings.HasPrefix(fileName, ".") || strings.HasSuffix(fileName, schemaSuffix) {
			continue
		}
		path := filepath.Join(dir, fileName)

		var name, kind string
		switch ext := filepath.Ext(fileName); ext {
		case ".star":
			name, kind = strings.TrimSuffix(fileName, ext), KindStarlark
		case ".wasm":
			name, kind = strings.TrimSuffix(fileName, ext), KindWASM
		default:
			info, err := e.Info()
			if err != nil || info.Mode()&0o111 == 0 || !info.Mode().IsRegular() {
				logger.Debug().Str("file", fileName).Msg("Ignoring non-executable file")
				continue
			}
			name, kind = fileName, KindExec
		}
		if name == "" {
			continue
		}
		candidates[name] = append(candidates[name], candidate{kind: kind, path: path})
	}

	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	sort.Strings(names)

	var loaded []Info
	for _, name := range names {
		cands := candidates[name]
		sort.SliceStable(cands, func(i, j int) bool {
			return kindPriority[cands[i].kind] < kindPriority[cands[j].kind]
		})

		schema, err := readSchema(dir, name)
		if err != nil {
			logger.Warn().Err(err).Str("handler", name).Msg("Ignoring unreadable schema")
		}

		for i, c := range cands {
			h, err := loadPlugin(ctx, name, c, opts.Timeout, logger)
			if err != nil {
				logger.Warn().Err(err).Str("handler", name).Str("file", c.path).Msg("Skipping broken handler plugin")
				continue
			}
			setSchema(h, schema)

			if err := reg.RegisterOverride(h, c.kind, c.path); err != nil {
				logger.Warn().Err(err).Str("handler", name).Msg("Skipping handler plugin")
				closeHandler(ctx, h)
				break
			}
			for _, skipped := range cands[i+1:] {
				logger.Info().
					Str("handler", name).
					Str("file", skipped.path).
					Str("using", c.path).
					Msg("Duplicate handler plugin skipped")
			}
			logger.Debug().Str("handler", name).Str("kind", c.kind).Msg("Registered handler plugin")
			loaded = append(loaded, Info{Name: name, Origin: OriginOverride, Kind: c.kind, Source: c.path})
			break
		}
	}

	return loaded, nil
}

func loadPlugin(ctx context.Context, name string, c candidate, timeout time.Duration, logger zerolog.Logger) (Handler, error) {
	switch c.kind {
	case KindStarlark:
		return NewStarlarkHandler(name, c.path, timeout, logger)
	case KindWASM:
		return NewWASMHandler(ctx, name, c.path, timeout)
	default:
		return NewExecHandler(name, c.path, timeout, logger), nil
	}
}

func readSchema(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name+schemaSuffix))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func setSchema(h Handler, schema string) {
	switch p := h.(type) {
	case *StarlarkHandler:
		p.schema = schema
	case *WASMHandler:
		p.schema = schema
	case *ExecHandler:
		p.schema = schema
	}
}

func closeHandler(ctx context.Context, h Handler) {
	if c, ok := h.(interface{ Close(context.Context) error }); ok {
		_ = c.Close(ctx)
	}
}
