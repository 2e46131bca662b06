package main

import (
	"context"
	"errors"
	"time"

	"captain-core/internal/common/config"
	"captain-core/internal/common/log"
	"captain-core/internal/dispatch"
	"captain-core/internal/domain/captain"
	"captain-core/internal/domain/geo"
	"captain-core/internal/eventbus"
	"captain-core/internal/location"
	"captain-core/internal/rest"
	"captain-core/internal/session"
)

type options struct {
	configPath string
	username   string
	password   string
	goOnline   bool
}

func run(ctx context.Context, opts options) error {
	logger := log.New("captain-core")

	cfg, err := config.LoadFromFile(opts.configPath)
	if err != nil {
		return err
	}
	logger.Info(ctx, "config_loaded", "Configuration loaded", map[string]any{
		"dispatch_url": cfg.Dispatch.URL,
	})

	store := session.Store(session.NopStore())
	if cfg.Session.ResumeFile != "" {
		store = session.NewFileStore(cfg.Session.ResumeFile)
	}

	api := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, logger)
	cred, profile, resumed, err := credential(ctx, opts, api, store, logger)
	if err != nil {
		return err
	}
	ctx = log.WithCaptainID(ctx, cred.CaptainID)

	bus := eventbus.New()
	bus.OnPanic = func(t eventbus.Type, recovered any) {
		logger.Error(ctx, "event_handler_panic", "Event subscriber panicked", errors.New("subscriber panic"), map[string]any{
			"event":     string(t),
			"recovered": recovered,
		})
	}

	client := dispatch.New(dispatch.Config{
		URL:            cfg.Dispatch.URL,
		ConnectTimeout: cfg.Dispatch.ConnectTimeout,
		Heartbeat:      cfg.Dispatch.Heartbeat,
		LivenessWindow: cfg.Dispatch.LivenessWindow,
		Backoff: dispatch.Policy{
			Base:        cfg.Dispatch.ReconnectBase,
			Cap:         cfg.Dispatch.ReconnectCap,
			MaxAttempts: cfg.Dispatch.ReconnectMax,
		},
	}, nil, bus, logger)

	// Almaty city center as the simulated walk origin.
	provider := location.NewSimProvider(geo.Point{Lat: 43.238949, Lng: 76.889709}, 40)
	sampler := location.NewSampler(location.Config{
		Interval:        cfg.Location.Interval,
		MinDistanceM:    cfg.Location.MinDistanceM,
		AssumedSpeedKmh: cfg.Location.AssumedSpeedKmh,
	}, provider, bus, logger)

	sess := session.New(profile, cred.Token, client, api, sampler, bus, store, logger)
	defer sess.Close()

	// Terminal connection outcomes end the run; transient drops are the
	// client's own business.
	fatal := make(chan error, 2)
	bus.Subscribe(eventbus.EventAuthFailed, func(e eventbus.Event) {
		reason, _ := e.Payload.(string)
		fatal <- errors.New("authentication failed: " + reason)
	})
	bus.Subscribe(eventbus.EventConnectionLost, func(e eventbus.Event) {
		fatal <- errors.New("dispatch connection lost, retries exhausted")
	})

	if err := client.Connect(ctx, cred); err != nil {
		logger.Warn(ctx, "initial_connect_failed", "First dial failed, reconnect is scheduled", map[string]any{
			"error": err.Error(),
		})
	}

	if opts.goOnline || resumed.wasAvailable {
		if err := sess.SetAvailability(ctx, true); err != nil {
			logger.Warn(ctx, "go_online_failed", "Could not go available at startup", map[string]any{
				"error": err.Error(),
			})
		}
	}
	if resumed.activeOrderID != "" {
		logger.Info(ctx, "session_resumed", "Resumed with an active order, re-querying state", map[string]any{
			"order_id": resumed.activeOrderID,
		})
		sess.RefreshOffers(ctx)
	}

	logger.Info(ctx, "captain_started", "Captain core running", map[string]any{
		"captain_id": cred.CaptainID,
	})

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown_signal", "Shutdown requested", nil)
	case err := <-fatal:
		logger.Error(context.Background(), "shutdown_fatal", "Shutting down on terminal connection error", err, nil)
		return err
	}

	sess.Close()
	time.Sleep(200 * time.Millisecond)
	logger.Info(context.Background(), "shutdown_complete", "Captain core stopped", nil)
	return nil
}

type resumeState struct {
	wasAvailable  bool
	activeOrderID string
}

// credential resolves the captain identity: explicit login when a username is
// given, otherwise a saved session whose token has useful life left.
func credential(ctx context.Context, opts options, api *rest.Client, store session.Store, logger *log.Logger) (dispatch.Credential, captain.Profile, resumeState, error) {
	if opts.username == "" {
		saved, err := store.Load()
		if err != nil {
			return dispatch.Credential{}, captain.Profile{}, resumeState{}, err
		}
		if saved == nil || saved.Token == "" {
			return dispatch.Credential{}, captain.Profile{}, resumeState{}, errors.New("no saved session; pass -username and -password")
		}
		if info, err := rest.InspectToken(saved.Token); err != nil || info.ExpiresWithin(time.Minute) {
			return dispatch.Credential{}, captain.Profile{}, resumeState{}, errors.New("saved session expired; pass -username and -password")
		}

		api.SetToken(saved.Token)
		profile, err := captain.NewProfile(saved.CaptainID, "")
		if err != nil {
			return dispatch.Credential{}, captain.Profile{}, resumeState{}, err
		}
		logger.Info(ctx, "session_resume", "Resuming saved session", map[string]any{
			"captain_id": saved.CaptainID,
		})
		return dispatch.Credential{CaptainID: saved.CaptainID, Token: saved.Token},
			*profile,
			resumeState{wasAvailable: saved.Available, activeOrderID: saved.ActiveOrderID},
			nil
	}

	res, err := api.Login(ctx, opts.username, opts.password)
	if err != nil {
		return dispatch.Credential{}, captain.Profile{}, resumeState{}, err
	}
	logger.Info(ctx, "login_ok", "Logged in", map[string]any{
		"captain_id": res.CaptainID,
	})
	return dispatch.Credential{CaptainID: res.CaptainID, Token: res.Token}, res.Profile, resumeState{}, nil
}
