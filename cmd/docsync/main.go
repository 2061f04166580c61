package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mfinley/docsync/internal/api"
	"github.com/mfinley/docsync/internal/auth"
	"github.com/mfinley/docsync/internal/config"
	"github.com/mfinley/docsync/internal/logging"
	"github.com/mfinley/docsync/internal/poll"
	"github.com/mfinley/docsync/internal/push"
	"github.com/mfinley/docsync/internal/server"
	"github.com/mfinley/docsync/internal/state"
	"github.com/mfinley/docsync/internal/store"
	"github.com/mfinley/docsync/internal/watch"
)

var Version = "dev"

// initialPageSize is the page requested at startup. Later pages load on
// demand through the store's pagination metadata.
const initialPageSize = 50

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("docsync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = runDaemon(ctx, cfg, logger)
	if errors.Is(err, context.Canceled) {
		logger.Info("docsync stopped")
		return nil
	}
	return err
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	appState, err := state.Load(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	httpClient := http.DefaultClient
	tokens := auth.NewCredentialsTokenSource(cfg.APIURL, cfg.Email, cfg.Password, httpClient, appState, logger)

	sess, err := tokens.SignIn(ctx)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}
	logger.Info("signed in", slog.String("principal", sess.PrincipalID))

	client := api.NewClient(cfg.APIURL, httpClient, logger)
	client.SetSession(sess)

	st := store.New()
	restoreSnapshot(appState, st, logger)
	defer persistSnapshot(appState, st, logger)

	if err := loadInitial(ctx, client, st, logger); err != nil {
		// Startup continues on the cached snapshot; the poller and the
		// push channel repair state once the backend is reachable.
		logger.Warn("initial load failed, serving cached snapshot",
			slog.String("error", err.Error()),
		)
	}

	notifier := push.NewNotifier()

	host, secure := cfg.PushHost()
	manager := push.NewManager(push.ManagerConfig{
		Host:         host,
		Secure:       secure,
		Session:      sess,
		ReconnectCap: cfg.ReconnectCap,
		Notifier:     notifier,
	}, logger)
	defer manager.Disconnect()

	dispatcher := push.NewDispatcher(st, notifier, logger)
	poller := poll.New(client, st, notifier, cfg.PollInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Run(gctx, manager.Messages())
		return gctx.Err()
	})

	g.Go(func() error {
		poller.Run(gctx)
		return gctx.Err()
	})

	g.Go(func() error {
		logNotifications(gctx, notifier, logger)
		return gctx.Err()
	})

	if cfg.UploadDir != "" {
		filter, err := watch.LoadFilter(cfg.FilterFile)
		if err != nil {
			return fmt.Errorf("loading upload filter: %w", err)
		}
		watcher := watch.NewWatcher(cfg.UploadDir, filter, client, st, logger)
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	if cfg.StatusAddr != "" {
		statusSrv := server.New(st, manager, logger)
		g.Go(func() error {
			return statusSrv.ListenAndServe(gctx, cfg.StatusAddr)
		})
	}

	manager.Connect(ctx)

	return g.Wait()
}

// restoreSnapshot seeds the store from the offline cache so the daemon
// has data before the first round trip.
func restoreSnapshot(appState *state.State, st *store.Store, logger *slog.Logger) {
	files, pagination, err := appState.LoadFiles()
	if err != nil {
		logger.Warn("loading cached files", slog.String("error", err.Error()))
	} else if len(files) > 0 {
		st.ReplacePage(files, pagination)
	}

	histories, err := appState.LoadHistories()
	if err != nil {
		logger.Warn("loading cached histories", slog.String("error", err.Error()))
		return
	}
	for _, h := range histories {
		st.MergeHistory(h)
	}

	if len(files) > 0 || len(histories) > 0 {
		logger.Info("restored cached snapshot",
			slog.Int("files", len(files)),
			slog.Int("histories", len(histories)),
		)
	}
}

// persistSnapshot writes the store back to the offline cache on shutdown.
func persistSnapshot(appState *state.State, st *store.Store, logger *slog.Logger) {
	if err := appState.SaveFiles(st.Files(), st.Pagination()); err != nil {
		logger.Warn("saving file snapshot", slog.String("error", err.Error()))
	}
	if err := appState.SaveHistories(st.Histories()); err != nil {
		logger.Warn("saving history snapshot", slog.String("error", err.Error()))
	}
}

// loadInitial fetches the first page of files and the history list.
func loadInitial(ctx context.Context, client *api.Client, st *store.Store, logger *slog.Logger) error {
	page, err := client.ListFiles(ctx, 1, initialPageSize)
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}
	st.ReplacePage(page.Items, page.Pagination())

	histories, err := client.ListHistories(ctx)
	if err != nil {
		return fmt.Errorf("listing chat histories: %w", err)
	}
	for _, h := range histories {
		st.MergeHistory(h)
	}

	logger.Info("initial load complete",
		slog.Int("files", len(page.Items)),
		slog.Int("histories", len(histories)),
	)

	return nil
}

// logNotifications drains the notifier so terminal transitions and
// realtime loss show up in the daemon log.
func logNotifications(ctx context.Context, notifier *push.Notifier, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifier.C():
			switch n.Kind {
			case push.NotificationFileTerminal:
				if n.File.Status == store.StatusFailed {
					logger.Warn("file processing failed",
						slog.Int64("file_id", n.File.ID),
						slog.String("name", n.File.DisplayName),
						slog.String("error", n.File.ErrorMessage),
					)
					continue
				}
				logger.Info("file processed",
					slog.Int64("file_id", n.File.ID),
					slog.String("name", n.File.DisplayName),
				)
			case push.NotificationRealtimeLost:
				logger.Warn("realtime channel lost, relying on polling",
					slog.String("error", n.Err.Error()),
				)
			}
		}
	}
}
