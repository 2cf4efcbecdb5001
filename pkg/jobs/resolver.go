// Package jobs turns a job table into executable job specs, tolerating per-job failures.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"

	"github.com/rs/zerolog"

	"github.com/remoteman/remoteman/pkg/client"
	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/spec"
)

// Fetcher retrieves remote job documents.
type Fetcher interface {
	WebGet(ctx context.Context, source string, creds *client.Credentials, args map[string]string) ([]byte, error)
}

// Resolver loads job specs for every entry of a job table.
type Resolver struct {
	remote  *spec.RemoteSpec
	fetcher Fetcher
	logger  zerolog.Logger
}

// NewResolver creates a resolver. remote supplies the base directory for relative
// paths and the credentials reused for same-origin URLs. fetcher may be nil when
// no job lives behind a URL.
func NewResolver(remote *spec.RemoteSpec, fetcher Fetcher, logger zerolog.Logger) *Resolver {
	if remote == nil {
		remote = &spec.RemoteSpec{}
	}
	return &Resolver{
		remote:  remote,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve loads every job in table. Entries that cannot be loaded are excluded and
// described in the returned error list; resolution never aborts early. Entries are
// processed in name order so error ordering is deterministic.
func (r *Resolver) Resolve(ctx context.Context, table spec.JobTable, host engine.HostIdentity) (map[string]*spec.JobSpec, []string) {
	resolved := make(map[string]*spec.JobSpec, len(table))
	var errs []string

	for _, name := range table.Names() {
		job, err := r.resolveOne(ctx, name, table[name], host)
		if err != nil {
			r.logger.Warn().Err(err).Str("job", name).Msg("Job could not be loaded")
			errs = append(errs, err.Error())
			continue
		}
		resolved[name] = job
	}

	return resolved, errs
}

func (r *Resolver) resolveOne(ctx context.Context, name string, ref spec.JobRef, host engine.HostIdentity) (*spec.JobSpec, error) {
	if ref.IsMalformed() {
		return nil, engine.NewJobLoadError(name, "malformed job table entry", ref.Err).WithCode(engine.ErrCodeMalformed)
	}
	if ref.IsInline() {
		job, err := spec.FromMap(name, ref.Inline)
		if err != nil {
			return nil, err
		}
		job.Source = "inline"
		return job, nil
	}

	location, err := spec.SubstituteHost(ref.Location, host, false)
	if err != nil {
		return nil, engine.NewJobLoadError(name, "invalid location", err).WithCode(engine.ErrCodeTemplate)
	}

	if ref.IsURL() {
		return r.loadURL(ctx, name, location, host)
	}
	return r.loadFile(name, r.remote.ResolvePath(location))
}

func (r *Resolver) loadFile(name, file string) (*spec.JobSpec, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewJobLoadError(name, "spec not found: "+file, nil).WithCode(engine.ErrCodeNotFound)
		}
		return nil, engine.NewJobLoadError(name, "cannot read spec "+file, err).WithCode(engine.ErrCodePermissionDenied)
	}
	return spec.ParseJob(name, data, spec.FormatFromPath(file), file)
}

func (r *Resolver) loadURL(ctx context.Context, name, location string, host engine.HostIdentity) (*spec.JobSpec, error) {
	if r.fetcher == nil {
		return nil, engine.NewJobLoadError(name, "no fetcher configured for "+location, nil).WithCode(engine.ErrCodeTransport)
	}

	body, err := r.fetcher.WebGet(ctx, location, r.credentialsFor(location, host), nil)
	if err != nil {
		code := engine.CodeOf(err)
		if code == "" {
			code = engine.ErrCodeTransport
		}
		return nil, engine.NewJobLoadError(name, fmt.Sprintf("fetching %s", location), err).WithCode(code)
	}

	format := spec.FormatJSON
	if u, err := url.Parse(location); err == nil && path.Ext(u.Path) != "" {
		format = spec.FormatFromPath(u.Path)
	}
	return spec.ParseJob(name, body, format, location)
}

// credentialsFor reuses the server credentials when location shares its origin.
func (r *Resolver) credentialsFor(location string, host engine.HostIdentity) *client.Credentials {
	server := r.remote.Server
	if server == nil || server.Username == "" {
		return nil
	}
	base, err := spec.SubstituteHost(server.URL, host, false)
	if err != nil || !client.SameOrigin(base, location) {
		return nil
	}
	return &client.Credentials{Username: server.Username, Password: server.Password}
}
