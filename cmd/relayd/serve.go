package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flitsinc/go-relay/internal/api"
	"github.com/flitsinc/go-relay/internal/chat"
	"github.com/flitsinc/go-relay/internal/eventbus"
	"github.com/flitsinc/go-relay/internal/listener"
	"github.com/flitsinc/go-relay/internal/logging"
	"github.com/flitsinc/go-relay/internal/normalize"
	"github.com/flitsinc/go-relay/internal/relay"
	"github.com/flitsinc/go-relay/internal/web"
)

const handoffTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server (default)",
		Long: `Run the relay server. SIGINT and SIGTERM shut it down gracefully; SIGHUP
starts a replacement process on the same listening socket and exits once the
replacement is serving; if it fails to start, this process keeps serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	persister, closeStore, err := openPersister(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	store := chat.NewStore(persister, cfg.HistoryLimit, logging.Component("store"))
	if err := store.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("could not load history, starting empty")
	}

	bus := eventbus.NewBus(eventbus.Options{
		QueueSize:   cfg.SubscriberQueue,
		SendTimeout: cfg.SubscriberSendTimeout,
		Logger:      logging.Component("eventbus"),
	})
	defer bus.Close()

	var coord *relay.Coordinator
	parts, err := buildUpstream(cfg, func(ready bool) { coord.SetGatewayStatus(ready) })
	if err != nil {
		return err
	}
	logStartup(log, cfg, parts.info)

	coord = relay.New(relay.Options{
		Store:      store,
		Bus:        bus,
		Normalizer: normalize.New(cfg.Gateway.SessionKey, logging.Component("normalize")),
		Upstream:   parts.upstream,
		Fallback:   parts.fallback,
		Logger:     logging.Component("relay"),
	})

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	sourceDone := make(chan struct{})
	if parts.source != nil {
		go func() {
			defer close(sourceDone)
			if err := coord.Run(runCtx, parts.source); err != nil {
				log.Error().Err(err).Msg("inbound source stopped")
			}
		}()
	} else {
		close(sourceDone)
		log.Warn().Msg("no gateway url or inbox path configured, inbound messages disabled")
	}

	ln, inherited, err := listener.Open(cfg.HTTPAddr)
	if err != nil {
		return err
	}

	apiServer := &api.Server{
		Relay:          coord,
		Web:            (&web.Server{Dir: cfg.WebDir}).Handler(),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logging.Component("http"),
		StartedAt:      time.Now().UTC(),
		Info:           parts.info,
	}
	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return runCtx
		},
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Bool("inherited", inherited).Msg("relayd listening")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	if inherited {
		if err := listener.Ready(); err != nil {
			log.Warn().Err(err).Msg("could not signal readiness to previous process")
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

wait:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			break wait
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case <-hup:
			if handOver(ctx, log, ln) {
				break wait
			}
		}
	}

	stopRun()
	bus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	<-sourceDone
	return nil
}

// handOver starts a replacement on ln and reports whether it is serving.
// On failure this process keeps serving.
func handOver(ctx context.Context, log zerolog.Logger, ln net.Listener) bool {
	ctx, cancel := context.WithTimeout(ctx, handoffTimeout)
	defer cancel()
	handoff := &listener.Handoff{Listener: ln, Args: os.Args, Env: os.Environ()}
	proc, err := handoff.Start(ctx)
	if err != nil {
		log.Error().Err(err).Msg("restart failed, still serving")
		return false
	}
	log.Info().Int("pid", proc.Pid).Msg("replacement serving, handing over")
	return true
}
