package main

import (
	"context"
	"path/filepath"

	"pkt.systems/pslog"
	"pkt.systems/saslink"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/appconfig"
	"pkt.systems/saslink/internal/oauth"
	"pkt.systems/saslink/internal/persist"
	"pkt.systems/saslink/schema"
)

// cliEnv bundles what a command needs after loading the config.
type cliEnv struct {
	cfg    appconfig.Config
	host   *saslink.Host
	tokens *persist.TokenStore
	logger pslog.Logger
}

type envOptions struct {
	observer   saslink.Observer
	authorizer oauth.Authorizer
}

func openEnv(ctx context.Context, cfgPath string, opts envOptions) (*cliEnv, error) {
	logger := pslog.Ctx(ctx)
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	host, err := saslink.NewHost(saslink.HostConfig{
		Profiles:       cfg.Profiles,
		DefaultProfile: cfg.DefaultProfile,
	}, saslink.HostDeps{
		Logger:     logger,
		Observer:   opts.observer,
		Authorizer: opts.authorizer,
	})
	if err != nil {
		return nil, err
	}
	tokens, err := persist.NewTokenStore(filepath.Join(cfg.StateDir, "tokens"), logger)
	if err != nil {
		return nil, err
	}
	env := &cliEnv{cfg: cfg, host: host, tokens: tokens, logger: logger}
	env.restoreTokens()
	return env, nil
}

func (e *cliEnv) restProfiles() []schema.ProfileName {
	var names []schema.ProfileName
	for _, name := range e.host.Profiles() {
		profile, err := e.host.Profile(string(name))
		if err == nil && profile.Connection == schema.TransportREST {
			names = append(names, name)
		}
	}
	return names
}

func (e *cliEnv) restoreTokens() {
	for _, name := range e.restProfiles() {
		tok, ok, err := e.tokens.Load(name)
		if err != nil {
			e.logger.Warn("token restore failed", "profile", name, "err", err)
			continue
		}
		if !ok {
			continue
		}
		manager, err := e.host.TokenManager(string(name))
		if err != nil {
			continue
		}
		manager.SetToken(tok)
	}
}

// saveTokens writes back tokens that were acquired or refreshed during the command.
func (e *cliEnv) saveTokens() {
	for _, name := range e.restProfiles() {
		manager, err := e.host.TokenManager(string(name))
		if err != nil {
			continue
		}
		tok, ok := manager.Token()
		if !ok {
			continue
		}
		if err := e.tokens.Save(name, tok); err != nil {
			e.logger.Warn("token save failed", "profile", name, "err", err)
		}
	}
}

func (e *cliEnv) close(ctx context.Context) {
	e.saveTokens()
	if err := e.host.Close(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("session close failed", "err", err)
	}
}

// exitCode returns 2 when the engine reported a failed run and 1 otherwise.
func exitCode(err error) int {
	if core.IsKind(err, core.ErrorExecutionFailed) {
		return 2
	}
	return 1
}
