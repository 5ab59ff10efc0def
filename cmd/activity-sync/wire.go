package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"activity-sync/internal/api"
	"activity-sync/internal/config"
	"activity-sync/internal/natsjs"
	"activity-sync/internal/queue"
	"activity-sync/internal/sources"
	"activity-sync/internal/sources/gmail"
	"activity-sync/internal/sources/groupme"
	"activity-sync/internal/sources/linkedin"
	"activity-sync/internal/sources/lyft"
	"activity-sync/internal/sources/personalcapital"
	"activity-sync/internal/sources/uber"
	activitysync "activity-sync/internal/sync"
)

const providerTimeout = 60 * time.Second

type app struct {
	manager *activitysync.Manager
	spool   *queue.Processor
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	sink, err := a.buildSink(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	history := activitysync.NewHistory(cfg.State.Path)
	if err := history.Load(); err != nil {
		log.Warn().Err(err).Str("path", cfg.State.Path).Msg("Failed to load run history, starting fresh")
	}

	providers, err := buildProviders(cfg, &http.Client{Timeout: providerTimeout})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.manager = activitysync.NewManager(sink, history, cfg.RunTimeout())
	for _, p := range providers {
		a.manager.Register(p)
	}
	if len(providers) == 0 {
		log.Warn().Msg("No providers enabled")
	}
	return a, nil
}

// rawSink is a sink that can replay an encoded batch from the spool.
type rawSink interface {
	activitysync.RecordSink
	SaveRaw(ctx context.Context, recordType api.RecordType, payload []byte) error
}

func (a *app) buildSink(ctx context.Context, cfg *config.Config) (activitysync.RecordSink, error) {
	var sink rawSink
	var online func(ctx context.Context) bool

	switch cfg.Sink.Type {
	case "nats":
		n := cfg.Sink.NATS
		pub, err := natsjs.NewPublisher(n.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		if err := pub.EnsureStream(n.Stream, n.SubjectPrefix); err != nil {
			return nil, err
		}
		sink = natsjs.NewSink(pub, n.SubjectPrefix)
		log.Info().Str("url", n.URL).Str("stream", n.Stream).Msg("Publishing to NATS JetStream")

	default:
		client := api.NewClient(cfg.Backend.URL, cfg.Backend.APIKey, cfg.BackendTimeout())
		if err := client.HealthCheck(ctx); err != nil {
			log.Warn().Err(err).Str("url", cfg.Backend.URL).Msg("Backend health check failed")
		} else {
			log.Info().Str("url", cfg.Backend.URL).Msg("Connected to backend")
		}
		sink = client
		online = func(ctx context.Context) bool { return client.HealthCheck(ctx) == nil }
	}

	if !cfg.Queue.Enabled {
		return sink, nil
	}

	q, err := queue.New(queueConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	a.closers = append(a.closers, func() { q.Close() })

	a.spool = queue.NewProcessor(q, sink.SaveRaw, queue.ProcessorConfig{
		CheckInterval: time.Duration(cfg.Queue.ProcessIntervalSecs) * time.Second,
		BatchSize:     cfg.Queue.BatchSize,
	})
	if online != nil {
		a.spool.SetOnlineChecker(online)
	}
	return queue.NewSpoolingSink(sink, q), nil
}

func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Path:           cfg.Queue.Path,
		MaxRetries:     cfg.Queue.MaxRetries,
		InitialBackoff: time.Duration(cfg.Queue.InitialBackoffSecs) * time.Second,
		MaxBackoff:     time.Duration(cfg.Queue.MaxBackoffSecs) * time.Second,
		BackoffFactor:  cfg.Queue.BackoffFactor,
	}
}

func jobConfig(cfg *config.Config, p config.ProviderCommon) activitysync.JobConfig {
	return activitysync.JobConfig{
		Lookback:    cfg.Lookback(p),
		Concurrency: cfg.Sync.Concurrency,
		MaxPages:    cfg.Sync.MaxPages,
	}
}

// buildProviders returns the enabled providers in run order. Gmail comes
// first so its mailbox is authenticated before any provider that reads a
// challenge code from it.
func buildProviders(cfg *config.Config, client *http.Client) ([]activitysync.Provider, error) {
	var providers []activitysync.Provider
	p := cfg.Providers

	var codes *gmail.CodeReader
	if p.Gmail.Enabled {
		g := p.Gmail
		oauth, err := gmail.LoadOAuthConfig(g.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("gmail: %w", err)
		}
		refresh := g.RefreshToken
		if refresh == "" {
			if refresh, err = gmail.LoadRefreshToken(g.TokenPath); err != nil {
				return nil, fmt.Errorf("gmail: %w", err)
			}
		}

		session := gmail.NewSession(oauth, refresh, client)
		mailbox := gmail.NewMailbox(session, client)
		codes = gmail.NewCodeReader(mailbox, cfg.ChallengeWait())
		providers = append(providers, gmail.NewProvider(session, mailbox, gmail.Options{
			CallsLabel: g.CallsLabel,
			TextsLabel: g.TextsLabel,
			PageSize:   g.PageSize,
			Blocklist:  sources.NewBlocklist(g.BlockedNumbers, g.BlockedNames),
			Job:        jobConfig(cfg, g.ProviderCommon),
		}))
	}

	if p.GroupMe.Enabled {
		g := p.GroupMe
		providers = append(providers, groupme.NewProvider(
			groupme.NewSession(g.Token), client, g.BaseURL, g.UserID, g.GroupIDs, jobConfig(cfg, g.ProviderCommon)))
	}

	if p.Lyft.Enabled {
		l := p.Lyft
		providers = append(providers, lyft.NewProvider(
			lyft.NewSession(client, l.BaseURL, l.Cookie), client, l.BaseURL, l.PageSize, jobConfig(cfg, l.ProviderCommon)))
	}

	if p.Uber.Enabled {
		u := p.Uber
		providers = append(providers, uber.NewProvider(
			uber.NewSession(client, u.BaseURL, u.Email, u.Password), client, u.BaseURL, jobConfig(cfg, u.ProviderCommon)))
	}

	if p.PersonalCapital.Enabled {
		pc := p.PersonalCapital
		providers = append(providers, personalcapital.NewProvider(
			personalcapital.NewSession(client, pc.BaseURL, pc.Username, pc.Password),
			codes.Solver(pc.ChallengeQuery), client, pc.BaseURL, jobConfig(cfg, pc.ProviderCommon)))
	}

	if p.LinkedIn.Enabled {
		li := p.LinkedIn
		providers = append(providers, linkedin.NewProvider(
			linkedin.NewSession(client, li.BaseURL, li.Username, li.Password),
			codes.Solver(li.ChallengeQuery), client, li.BaseURL, jobConfig(cfg, li.ProviderCommon)))
	}

	return providers, nil
}
