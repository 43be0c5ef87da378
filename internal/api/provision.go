package api

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halyard/halyard/internal/auth"
	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/mcp"
	"github.com/halyard/halyard/internal/observability"
	"github.com/halyard/halyard/internal/registry"
)

const runtimeKubernetes = "kubernetes"

// InstanceManager provisions kubernetes-runtime servers and resolves each to
// a reachable in-cluster URL. Nil disables the kubernetes runtime.
type InstanceManager interface {
	EnsureServer(ctx context.Context, record *database.ServerRecord, env map[string]string) (string, error)
	DeleteServer(ctx context.Context, name string) error
	RestartServer(ctx context.Context, name string) (int, error)
}

// CatalogueNotifier tells connected MCP clients that the tool catalogue
// changed. Implemented by the gateway SSE manager.
type CatalogueNotifier interface {
	NotifyToolsChanged()
}

// Provisioner turns stored server records into live registry entries. All
// paths that change the catalogue (startup sync, server CRUD, rule changes,
// credential and env updates) run through it so the registry, the kubernetes
// runtime and connected clients stay consistent.
type Provisioner struct {
	repo      *database.Repository
	reg       *registry.Registry
	encryptor *auth.TokenEncryptor
	instances InstanceManager
	notifier  CatalogueNotifier
	obsHub    *observability.Hub
}

// NewProvisioner creates a Provisioner. instances, notifier and obsHub may
// be nil to disable the kubernetes runtime, client notifications and
// dashboard events respectively.
func NewProvisioner(repo *database.Repository, reg *registry.Registry, encryptor *auth.TokenEncryptor, instances InstanceManager, notifier CatalogueNotifier, obsHub *observability.Hub) *Provisioner {
	return &Provisioner{
		repo:      repo,
		reg:       reg,
		encryptor: encryptor,
		instances: instances,
		notifier:  notifier,
		obsHub:    obsHub,
	}
}

// SyncAll registers every enabled stored server. Individual failures are
// logged and skipped so one broken upstream cannot block startup.
func (p *Provisioner) SyncAll(ctx context.Context) error {
	records, err := p.repo.GetEnabledServers(ctx)
	if err != nil {
		return fmt.Errorf("load servers: %w", err)
	}
	for _, record := range records {
		if _, err := p.Sync(ctx, record); err != nil {
			log.Warn().Err(err).Str("server", record.Name).Msg("Failed to sync stored server")
		}
	}
	log.Info().Int("servers", len(records)).Msg("Synced stored servers")
	return nil
}

// Sync builds (or rebuilds) the live server for a stored record and runs its
// exposure rules. Any prior registration under the same name is replaced and
// its transport closed. Exposure failures leave the server registered; the
// returned error reports them.
func (p *Provisioner) Sync(ctx context.Context, record *database.ServerRecord) ([]string, error) {
	cfg, err := p.serverConfig(ctx, record)
	if err != nil {
		return nil, err
	}
	srv, err := registry.NewServer(cfg)
	if err != nil {
		return nil, err
	}
	p.reg.Register(srv)

	names, err := p.applyRules(ctx, record, srv)
	p.emitServer("registered", record.Name, len(names))
	p.notifyCatalogue()
	if err != nil {
		return names, fmt.Errorf("apply exposure rules: %w", err)
	}
	return names, nil
}

// Reapply re-runs the exposure rules for an already-registered server,
// falling back to a full sync when no live registration exists.
func (p *Provisioner) Reapply(ctx context.Context, record *database.ServerRecord) ([]string, error) {
	srv, ok := p.reg.Server(record.Name)
	if !ok {
		return p.Sync(ctx, record)
	}
	names, err := p.applyRules(ctx, record, srv)
	p.notifyCatalogue()
	if err != nil {
		return names, fmt.Errorf("apply exposure rules: %w", err)
	}
	return names, nil
}

// Discover forces a fresh resources/list against the upstream and rebuilds
// the catalogue entries from it.
func (p *Provisioner) Discover(ctx context.Context, record *database.ServerRecord) ([]string, error) {
	srv, ok := p.reg.Server(record.Name)
	if !ok {
		return p.Sync(ctx, record)
	}
	if err := srv.Rediscover(ctx); err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	names, err := p.applyRules(ctx, record, srv)
	p.emitServer("discovered", record.Name, len(names))
	p.notifyCatalogue()
	if err != nil {
		return names, fmt.Errorf("apply exposure rules: %w", err)
	}
	return names, nil
}

// SetEnabled flips the live flag without rebuilding the transport. Enabling
// a server that never synced triggers a full sync.
func (p *Provisioner) SetEnabled(ctx context.Context, record *database.ServerRecord, enabled bool) error {
	srv, ok := p.reg.Server(record.Name)
	if !ok {
		if !enabled {
			return nil
		}
		_, err := p.Sync(ctx, record)
		return err
	}
	srv.SetEnabled(enabled)
	event := "disabled"
	if enabled {
		event = "enabled"
	}
	p.emitServer(event, record.Name, 0)
	p.notifyCatalogue()
	return nil
}

// Remove drops a server from the live registry and deletes its kubernetes
// instances when it has any.
func (p *Provisioner) Remove(ctx context.Context, record *database.ServerRecord) {
	_ = p.reg.RemoveServer(record.Name) // absent when the server never synced

	if record.Runtime == runtimeKubernetes && p.instances != nil {
		if err := p.instances.DeleteServer(ctx, record.Name); err != nil {
			log.Warn().Err(err).Str("server", record.Name).Msg("Failed to delete kubernetes instances")
		}
	}
	p.emitServer("removed", record.Name, 0)
	p.notifyCatalogue()
}

// RecreateInstances deletes the running kubernetes instances for a server so
// the next sync provisions them with fresh configuration. Returns the number
// of instances deleted.
func (p *Provisioner) RecreateInstances(ctx context.Context, record *database.ServerRecord) (int, error) {
	if record.Runtime != runtimeKubernetes {
		return 0, nil
	}
	if p.instances == nil {
		return 0, fmt.Errorf("server %q: kubernetes runtime is not configured", record.Name)
	}
	return p.instances.RestartServer(ctx, record.Name)
}

// serverConfig maps a stored record to a transport config: decrypted
// credential, decrypted env and, for the kubernetes runtime, the URL of a
// provisioned instance.
func (p *Provisioner) serverConfig(ctx context.Context, record *database.ServerRecord) (registry.ServerConfig, error) {
	enabled := record.Enabled
	cfg := registry.ServerConfig{
		Name:         record.Name,
		Transport:    record.Transport,
		Enabled:      &enabled,
		URL:          record.URL,
		Headers:      record.Headers,
		AuthHeader:   record.AuthHeader,
		Format:       mcp.Format(record.Format),
		ForceJSONRPC: record.ForceJSONRPC,
		Command:      record.Command,
		Args:         record.Args,
		MaxRetries:   record.MaxRetries,
	}
	if record.StreamURL != "" {
		cfg.Stream = mcp.StreamConfig{URL: record.StreamURL}
	}
	if record.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(record.TimeoutSeconds) * time.Second
	}
	if record.EncryptedAuthToken != nil && *record.EncryptedAuthToken != "" {
		token, err := p.encryptor.Decrypt(*record.EncryptedAuthToken)
		if err != nil {
			return cfg, fmt.Errorf("server %q: decrypt auth token: %w", record.Name, err)
		}
		cfg.AuthToken = token
	}

	env, err := p.resolveEnv(ctx, record)
	if err != nil {
		return cfg, err
	}

	switch {
	case record.Runtime == runtimeKubernetes:
		if p.instances == nil {
			return cfg, fmt.Errorf("server %q: kubernetes runtime is not configured", record.Name)
		}
		url, err := p.instances.EnsureServer(ctx, record, env)
		if err != nil {
			return cfg, fmt.Errorf("server %q: provision instance: %w", record.Name, err)
		}
		// The instance speaks streamable HTTP regardless of how the
		// record is shaped.
		cfg.Transport = registry.TransportHTTP
		cfg.URL = url
		cfg.Command = ""
		cfg.Args = nil
	case len(env) > 0:
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cfg.Env = append(cfg.Env, k+"="+env[k])
		}
	}
	return cfg, nil
}

func (p *Provisioner) resolveEnv(ctx context.Context, record *database.ServerRecord) (map[string]string, error) {
	vars, err := p.repo.GetServerEnv(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("server %q: load env: %w", record.Name, err)
	}
	if len(vars) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		value, err := p.encryptor.Decrypt(v.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("server %q: decrypt env %s: %w", record.Name, v.Key, err)
		}
		env[v.Key] = value
	}
	return env, nil
}

// applyRules rebuilds the catalogue entries for one server from its stored
// rules. Entries from a previous application are dropped first; a server
// with no enabled rules exposes everything it discovered.
func (p *Provisioner) applyRules(ctx context.Context, record *database.ServerRecord, srv *registry.Server) ([]string, error) {
	for _, t := range p.reg.Tools() {
		if t.Server == srv {
			_ = p.reg.RemoveTool(t.Name)
		}
	}

	rules, err := p.repo.GetExposureRulesForServer(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("load exposure rules: %w", err)
	}
	var active []*database.ExposureRule
	for _, rule := range rules {
		if rule.Enabled {
			active = append(active, rule)
		}
	}

	if len(active) == 0 {
		return p.reg.Expose(srv).Apply(ctx)
	}

	seen := make(map[string]struct{})
	for _, rule := range active {
		names, err := p.ruleBuilder(srv, rule).Apply(ctx)
		for _, n := range names {
			seen[n] = struct{}{}
		}
		if err != nil {
			return sortedNames(seen), fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}
	return sortedNames(seen), nil
}

func (p *Provisioner) ruleBuilder(srv *registry.Server, rule *database.ExposureRule) *registry.ExposureBuilder {
	b := p.reg.Expose(srv).
		Allow(rule.Allow...).
		Deny(rule.Deny...).
		Metadata(map[string]interface{}{"rule": rule.Name})
	if rule.Prefix != "" {
		b = b.Prefix(rule.Prefix)
	}
	if len(rule.Sources) > 0 {
		sources := make([]registry.Source, len(rule.Sources))
		for i, s := range rule.Sources {
			sources[i] = registry.Source(s)
		}
		b = b.Sources(sources...)
	}
	if rule.Mode != "" {
		b = b.Mode(registry.Mode(rule.Mode))
	}
	if rule.StreamAggregate != "" {
		b = b.Stream(registry.StreamPolicy{
			Aggregate: registry.Aggregate(rule.StreamAggregate),
			N:         rule.StreamN,
		})
	}
	return b
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Provisioner) emitServer(event, name string, tools int) {
	if p.obsHub == nil {
		return
	}
	p.obsHub.EmitServer(observability.ServerEvent{Event: event, Server: name, Tools: tools})
}

func (p *Provisioner) notifyCatalogue() {
	if p.notifier == nil {
		return
	}
	p.notifier.NotifyToolsChanged()
}
