package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"

	"github.com/onnwee/stream-herald/announce"
	"github.com/onnwee/stream-herald/bridge"
	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/crypto"
	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/state"
	"github.com/onnwee/stream-herald/stream"
	"github.com/onnwee/stream-herald/telegram"
	"github.com/onnwee/stream-herald/twitchapi"
)

// app holds everything one command needs. db is nil unless the postgres
// backend is used.
type app struct {
	cfg    *config.Config
	db     *sql.DB
	closer io.Closer
	store  *state.Store
	bridge *bridge.Bridge
	tg     *telegram.Client
	tokens *twitchapi.TokenSource
}

func (a *app) Close() {
	if a.closer == nil {
		return
	}
	if err := a.closer.Close(); err != nil {
		slog.Error("failed to close state backend", slog.Any("err", err))
	}
}

// openStore builds the state backend and loads the persisted record. The
// returned closer is nil for the file backend.
func openStore(ctx context.Context, cfg *config.Config) (*state.Store, *sql.DB, io.Closer, error) {
	var backend state.Backend
	var database *sql.DB
	var closer io.Closer
	switch cfg.StateBackend {
	case config.BackendPostgres:
		var err error
		database, err = db.Connect(cfg.DBDsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		backend = &state.KVBackend{DB: database}
		closer = database
	case config.BackendSQLite:
		sb, err := state.NewSQLiteBackend(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		backend = sb
		closer = sb
	default:
		fb, err := state.NewFileBackend(cfg.StateFile)
		if err != nil {
			return nil, nil, nil, err
		}
		backend = fb
	}
	store := state.NewStore(backend, clock.WallClock)
	store.Load(ctx)
	return store, database, closer, nil
}

// newApp wires the Helix source, the state store, the announcement
// controller and the Telegram client into a bridge.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, database, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tokens := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		TokenURL:     cfg.TwitchTokenURL,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
	}
	if database != nil {
		ts := &db.TokenStore{DB: database}
		if cfg.EncryptionKey != "" {
			enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
			if err != nil {
				_ = closer.Close()
				return nil, fmt.Errorf("encryption key: %w", err)
			}
			ts.Enc = enc
		}
		tokens.Store = ts
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: tokens,
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     &http.Client{Timeout: 10 * time.Second},
		BaseURL:        cfg.TwitchAPIURL,
	}
	poller := stream.NewPoller(stream.NewHelixSource(helix, cfg.TwitchUsername), store)

	tg := telegram.NewClient(cfg.TelegramToken)
	tg.BaseURL = cfg.TelegramAPIURL

	render := bridge.NewRenderer(cfg.TwitchUsername, cfg.Social)
	ctrl := announce.NewController(&bridge.Editor{Messenger: tg, Render: render}, announce.Config{
		Threshold:    cfg.UpdateThreshold,
		TickInterval: cfg.UpdateTick,
	})

	b := bridge.New(bridge.Deps{
		Poller:     poller,
		Store:      store,
		Controller: ctrl,
		Messenger:  tg,
		Render:     render,
	}, bridge.Settings{
		ChatID:              cfg.TelegramChannel,
		PollInterval:        cfg.CheckInterval,
		FirstCheckDelay:     cfg.FirstCheckDelay,
		StartupSync:         cfg.StartupSync,
		ImageURL:            cfg.AnnounceImageURL,
		UseThumbnail:        cfg.AnnounceUseThumbnail,
		AnnounceStart:       cfg.Events.StreamStart,
		AnnounceEnd:         cfg.Events.StreamEnd,
		AnnounceTitleChange: cfg.Events.StreamTitleChange,
	})
	return &app{cfg: cfg, db: database, closer: closer, store: store, bridge: b, tg: tg, tokens: tokens}, nil
}
