package commands

import (
	"context"
	"fmt"

	"github.com/remoteman/remoteman/pkg/agent"
	"github.com/remoteman/remoteman/pkg/client"
	"github.com/remoteman/remoteman/pkg/engine"
	"github.com/remoteman/remoteman/pkg/handlers"
	"github.com/remoteman/remoteman/pkg/jobs"
	"github.com/remoteman/remoteman/pkg/policy"
	"github.com/remoteman/remoteman/pkg/spec"
	sshtransport "github.com/remoteman/remoteman/pkg/transports/ssh"
)

// wiring is the assembled cycle and the components it is built from.
type wiring struct {
	requester  *client.Requester
	registry   *handlers.Registry
	schemas    *handlers.SchemaSet
	policies   *policy.Engine
	dispatcher *handlers.Dispatcher
	resolver   *jobs.Resolver
	cycle      *agent.Cycle
}

// loadSpec reads the RemoteSpec named on the command line or in the config file.
func (e *env) loadSpec(args []string) (*spec.RemoteSpec, error) {
	path := e.cfg.Agent.Spec
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, engine.NewUsageError("a remote spec path is required", nil)
	}
	return spec.Load(path)
}

// registry builds the handler registry: built-ins plus the override directory.
func (e *env) registry(ctx context.Context, requester *client.Requester) (*handlers.Registry, error) {
	sources := &handlers.Sources{HTTP: requester}
	if e.cfg.SFTP.Enabled {
		sources.SFTP = sshtransport.NewFetcher(e.cfg.SFTP.Config, e.logger)
	}

	reg := handlers.NewBuiltinRegistry(sources)
	if dir := e.cfg.Agent.HandlerDirectory; dir != "" {
		infos, err := handlers.Discover(ctx, reg, dir, handlers.DiscoverOptions{Timeout: e.cfg.Agent.HandlerTimeout}, e.logger)
		if err != nil {
			_ = reg.Close(ctx)
			return nil, engine.NewUsageError(fmt.Sprintf("handler directory %s", dir), err)
		}
		e.logger.Debug().Int("count", len(infos)).Str("dir", dir).Msg("Discovered handlers")
	}
	return reg, nil
}

// policyEngine builds the policy gate with the built-in and user policies.
func (e *env) policyEngine(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(e.logger)
	if err != nil {
		return nil, err
	}
	if dir := e.cfg.Agent.PolicyDir; dir != "" {
		policies, err := policy.NewLoader(e.logger).LoadFromPaths(ctx, []string{dir})
		if err != nil {
			return nil, engine.NewUsageError(fmt.Sprintf("policy directory %s", dir), err)
		}
		if err := pe.ReplaceUserPolicies(ctx, policies); err != nil {
			return nil, engine.NewUsageError(fmt.Sprintf("policy directory %s", dir), err)
		}
	}
	return pe, nil
}

// wire assembles a cycle for remote.
func (e *env) wire(ctx context.Context, remote *spec.RemoteSpec) (*wiring, error) {
	requester := client.NewRequester(client.Config{
		Timeout:   e.cfg.Agent.FetchTimeout,
		UserAgent: "remoteman/" + e.tel.Config.ServiceVersion,
	}, e.logger)

	reg, err := e.registry(ctx, requester)
	if err != nil {
		return nil, err
	}

	schemas, err := handlers.SchemasFromRegistry(reg)
	if err != nil {
		_ = reg.Close(ctx)
		return nil, engine.NewUsageError("invalid handler schema", err)
	}

	pe, err := e.policyEngine(ctx)
	if err != nil {
		_ = reg.Close(ctx)
		return nil, err
	}

	w := &wiring{
		requester:  requester,
		registry:   reg,
		schemas:    schemas,
		policies:   pe,
		dispatcher: handlers.NewDispatcher(reg, e.logger, handlers.WithSchemas(schemas), handlers.WithGate(pe)),
		resolver:   jobs.NewResolver(remote, requester, e.logger),
	}

	w.cycle, err = agent.NewCycle(agent.CycleConfig{
		Remote:     remote,
		Fetcher:    requester,
		Resolver:   w.resolver,
		Dispatcher: w.dispatcher,
		Metrics:    e.tel.Metrics,
		Tracer:     e.tel.Tracer,
		Observers:  []agent.HostObserver{pe},
	}, e.logger)
	if err != nil {
		w.close(ctx)
		return nil, err
	}
	return w, nil
}

func (w *wiring) close(ctx context.Context) {
	_ = w.registry.Close(context.WithoutCancel(ctx))
}
