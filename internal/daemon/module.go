package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/towtrack/internal/api"
	"github.com/matheus3301/towtrack/internal/bus"
	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/config"
	"github.com/matheus3301/towtrack/internal/geo"
	"github.com/matheus3301/towtrack/internal/httpapi"
	"github.com/matheus3301/towtrack/internal/lock"
	"github.com/matheus3301/towtrack/internal/logging"
	"github.com/matheus3301/towtrack/internal/session"
	"github.com/matheus3301/towtrack/internal/tracking"
	"github.com/matheus3301/towtrack/internal/wschat"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	// Profile overrides loading profile.toml when set.
	Profile *config.Profile
	// ActiveJob is tracked immediately on start when set.
	ActiveJob string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideProfile,
			provideLogger,
			provideBus,
			provideLock,
			provideHTTPClient,
			provideAPIClient,
			provideChatSession,
			provideFacade,
			provideTrackingService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideProfile(p Params) (*config.Profile, error) {
	if p.Profile != nil {
		if err := p.Profile.Validate(); err != nil {
			return nil, err
		}
		return p.Profile, nil
	}
	return config.LoadProfile(session.ProfilePath(p.ProfileName), session.EnvPath(p.ProfileName))
}

func provideLogger(p Params, prof *config.Profile) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName, prof.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// token returns the credential sent to the backend. Profiles without a token
// authenticate by user id, which is what the simulator expects.
func token(prof *config.Profile) string {
	if prof.Token != "" {
		return prof.Token
	}
	return prof.UserID
}

func provideAPIClient(prof *config.Profile, hc *http.Client, logger *zap.Logger) (*httpapi.Client, error) {
	return httpapi.New(httpapi.Options{
		BaseURL:    prof.APIURL,
		Token:      token(prof),
		Role:       httpapi.Role(prof.Role),
		HTTPClient: hc,
		Logger:     logger,
	})
}

func provideChatSession(prof *config.Profile, client *httpapi.Client, hc *http.Client, b *bus.Bus, logger *zap.Logger) *chat.Session {
	return chat.New(chat.Options{
		Dialer:  &wschat.Dialer{HTTPClient: hc, Logger: logger},
		History: client,
		SelfID:  prof.UserID,
		Logger:  logger,
		Bus:     b,
	})
}

func provideFacade(prof *config.Profile, client *httpapi.Client, sess *chat.Session, hc *http.Client, b *bus.Bus, logger *zap.Logger) *tracking.Facade {
	// A nil *httpapi.Geocoder must not reach the resolver as a non-nil interface.
	var geocoder geo.Geocoder
	if prof.GeocoderURL != "" {
		geocoder = httpapi.NewGeocoder(prof.GeocoderURL, "towtrack/"+prof.UserID, hc)
	}
	return tracking.New(tracking.Options{
		Fetcher:      client,
		Chat:         sess,
		Geocoder:     geocoder,
		Reporter:     client,
		Logger:       logger,
		Bus:          b,
		PollInterval: prof.PollInterval.Duration,
		ChatEndpoint: prof.ChatURL,
		Token:        token(prof),
		AutoJoin:     prof.AutoJoin,
	})
}

func provideTrackingService(p Params, f *tracking.Facade, sess *chat.Session, b *bus.Bus, logger *zap.Logger) *api.TrackingService {
	return api.NewTrackingService(p.ProfileName, f, sess, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, svc *api.TrackingService, lk *lock.Lock, f *tracking.Facade, sess *chat.Session, prof *config.Profile, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started",
				zap.String("api_url", prof.APIURL),
				zap.String("role", prof.Role),
				zap.String("user_id", prof.UserID),
			)

			if p.ActiveJob != "" {
				if err := f.SetActiveJob(ctx, p.ActiveJob); err != nil {
					return fmt.Errorf("track %s: %w", p.ActiveJob, err)
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			svc.Shutdown()
			_ = f.Close()
			srv.Stop(ctx)
			_ = sess.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
