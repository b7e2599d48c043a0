package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"

	"github.com/datallboy/goswarm/internal/domain"
	"github.com/datallboy/goswarm/internal/infra/config"
	"github.com/datallboy/goswarm/internal/infra/logger"
	"github.com/datallboy/goswarm/internal/manifest"
	"github.com/datallboy/goswarm/internal/rtc"
	"github.com/datallboy/goswarm/internal/storage"
	"github.com/datallboy/goswarm/internal/store"
	"github.com/datallboy/goswarm/internal/swarm"
	"github.com/datallboy/goswarm/internal/tracker"
	"github.com/datallboy/goswarm/internal/wire"
)

const Agent = "goswarm/0.1"

// Context hold the core environment and shared resources for goswarm.
// It acts as the "Single Source of Truth" for the application state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger
	PeerID string

	Store   *store.PersistentStore
	Storage storage.Storage
	Session *swarm.Session

	// Hooks are handed to the session when Open builds it
	Hooks swarm.Hooks
}

// NewContext initializes the base environment. Collaborators are wired by Open.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
		PeerID: ksuid.New().String(),
	}
}

// Open connects the metadata store and segment storage and builds the session.
func (a *Context) Open(ctx context.Context) error {
	dsn := a.Config.Store.SQLitePath
	if a.Config.Store.Driver == "pgx" {
		dsn = a.Config.Store.DSN
	}

	st, err := store.NewPersistentStore(a.Config.Store.Driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	a.Store = st

	segs, err := storage.Open(a.Config.Storage.Backend, a.Config.Storage.Dir)
	if err != nil {
		return fmt.Errorf("failed to open segment storage: %w", err)
	}
	a.Storage = segs

	a.Session = a.NewSession(ctx, a.Store)
	return nil
}

// NewSession builds a session over a.Storage. A nil catalog skips metadata.
func (a *Context) NewSession(ctx context.Context, catalog swarm.Catalog) *swarm.Session {
	swarmCfg := a.Config.Swarm
	trackerLog := a.Logger.With("tracker")

	dialer := func(ctx context.Context, url string, onMessage func(wire.TrackerMessage), onClose func(error)) (swarm.Tracker, error) {
		c, err := tracker.Dial(ctx, url, tracker.ClientOptions{
			PeerID:    a.PeerID,
			Agent:     Agent,
			KeepAlive: a.Config.Tracker.KeepAlive,
			Logger:    trackerLog,
		}, onMessage, onClose)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	deps := swarm.Deps{
		Storage:   a.Storage,
		Trackers:  dialer,
		Connector: rtc.NewConnector(a.PeerID, a.Config.RTC.ICEServers, a.Logger.With("rtc")),
		Catalog:   catalog,
		Hooks:     a.Hooks,
		Logger:    a.Logger.With("swarm"),
	}

	return swarm.NewSession(ctx, swarm.Options{
		PeerID:         a.PeerID,
		RequestTimeout: swarmCfg.RequestTimeout,
		FragmentSize:   swarmCfg.FragmentSize(),
		UploadRate:     swarmCfg.UploadRate,
		PollInterval:   swarmCfg.PollInterval,
		ReconnectDelay: swarmCfg.ReconnectDelay,
	}, deps)
}

// LoadManifests restores every manifest known to the store, then adds the
// manifest files named in the config. Broken entries are logged and skipped.
func (a *Context) LoadManifests(ctx context.Context) error {
	known, err := a.Store.ListManifests(ctx)
	if err != nil {
		return err
	}

	for _, m := range known {
		if _, err := a.Session.AddManifest(ctx, m); err != nil {
			a.Logger.Warn("Skipping stored manifest %s: %v", m.Hash, err)
		}
	}

	fs := afero.NewOsFs()
	for _, path := range a.Config.Manifests {
		m, err := manifest.Load(fs, path)
		if err != nil {
			a.Logger.Warn("Skipping manifest %s: %v", path, err)
			continue
		}
		if _, err := a.Session.AddManifest(ctx, m); err != nil {
			a.Logger.Warn("Skipping manifest %s: %v", path, err)
		}
	}

	a.Logger.Info("Serving %d content item(s)", len(a.Session.Handles()))
	return nil
}

// Seed stores the given segment bytes so the node can serve them right away.
func (a *Context) Seed(ctx context.Context, m *domain.Manifest, segments [][]byte) error {
	for i, data := range segments {
		if err := a.Storage.StoreSegment(ctx, m.Hash, i, 0, data); err != nil {
			return fmt.Errorf("failed to seed segment %d: %w", i, err)
		}
	}
	return nil
}

func (a *Context) Close() error {
	if a.Session != nil {
		a.Session.Close()
	}

	var errs []error
	if a.Storage != nil {
		errs = append(errs, a.Storage.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
