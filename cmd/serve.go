package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"voxscribe/pkg/bus"
	"voxscribe/pkg/channel"
	"voxscribe/pkg/channel/telegram"
	"voxscribe/pkg/channel/whatsapp"
	"voxscribe/pkg/config"
	"voxscribe/pkg/gateway"
	"voxscribe/pkg/heal"
	"voxscribe/pkg/logger"
	"voxscribe/pkg/pipeline"
	"voxscribe/pkg/session"
	"voxscribe/pkg/transcribe"
	"voxscribe/pkg/ui/console"
)

const eventLogBuffer = 64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run all configured bot sessions and the control API",
	Long:  "Connects every configured session, transcribes incoming voice notes, and serves POST /send, /healthz and /readyz.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := serve(runCtx, cfg, console.New(cmd.OutOrStdout()), log); err != nil {
			log.Error("Voxscribe stopped with error", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runtimeSession is one configured bot with everything it owns.
type runtimeSession struct {
	supervisor *session.Supervisor
	pipeline   *pipeline.Pipeline
	close      func() error
}

func serve(ctx context.Context, cfg *config.Config, con *console.Console, log *slog.Logger) error {
	transcriber, err := transcribe.New(cfg.Transcription, log)
	if err != nil {
		return fmt.Errorf("initialize transcription: %w", err)
	}

	eb := bus.New()
	defer eb.Close()

	sessions := make([]*runtimeSession, 0, len(cfg.Sessions))
	defer func() {
		for _, rs := range sessions {
			if err := rs.close(); err != nil {
				log.Warn("Failed to release session resources", "session", rs.supervisor.Key(), "error", err)
			}
		}
	}()

	for _, sc := range cfg.Sessions {
		rs, err := buildSession(ctx, cfg, sc, transcriber, eb, con, log)
		if err != nil {
			return fmt.Errorf("configure session %s: %w", sc.Key, err)
		}
		sessions = append(sessions, rs)
	}

	controlSessions := make([]gateway.Session, 0, len(sessions))
	pruners := make(map[string]gateway.Pruner, len(sessions))
	for _, rs := range sessions {
		controlSessions = append(controlSessions, rs.supervisor)
		pruners[rs.supervisor.Key()] = rs.pipeline.Heal()
	}

	server, err := gateway.NewServer(cfg.Gateway, controlSessions, eb, log)
	if err != nil {
		return err
	}
	maintenance, err := gateway.NewMaintenance(gateway.DefaultPruneInterval, pruners, log)
	if err != nil {
		return err
	}

	log.Info("Voxscribe started",
		"sessions", strings.Join(cfg.SessionKeys(), ","),
		"backend", cfg.Transcription.Backend,
		"control_api", server.Addr(),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, rs := range sessions {
		g.Go(func() error { return rs.supervisor.Run(gctx) })
	}
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })
	g.Go(func() error {
		logEvents(gctx, eb, log)
		return nil
	})

	err = g.Wait()
	con.Goodbye("voxscribe")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// buildSession wires transport, heal controller, pipeline and supervisor for sc.
func buildSession(ctx context.Context, cfg *config.Config, sc config.SessionConfig, transcriber transcribe.Transcriber, eb *bus.EventBus, con *console.Console, log *slog.Logger) (*runtimeSession, error) {
	sessionLog := log.With("session", sc.Key)

	var (
		dialer  channel.Dialer
		purger  heal.Purger
		closeFn = func() error { return nil }
	)

	switch sc.Transport {
	case config.TransportTelegram:
		d, err := telegram.NewDialer(sc, sessionLog)
		if err != nil {
			return nil, err
		}
		dialer = d
	case config.TransportWhatsApp, "":
		d, err := whatsapp.Open(ctx, sc.AuthDir, sessionLog)
		if err != nil {
			return nil, err
		}
		dialer = d
		purger = d.Purger()
		closeFn = d.Close
	default:
		return nil, fmt.Errorf("unsupported transport %q", sc.Transport)
	}

	healer := heal.New(heal.Options{
		Window:  time.Duration(cfg.Pipeline.HealWindowMinutes) * time.Minute,
		Purger:  purger,
		OnPurge: pipeline.HealNotifier(eb, sc.Key),
		Log:     sessionLog,
	})

	pipe, err := pipeline.New(pipeline.Options{
		Session:     sc.Key,
		Transcriber: transcriber,
		Cache:       pipeline.NewCache(cfg.Pipeline.CacheLimit),
		Heal:        healer,
		Bus:         eb,
		Texts:       pipeline.TextsFromConfig(cfg.Pipeline),
		Log:         sessionLog,
	})
	if err != nil {
		_ = closeFn()
		return nil, err
	}

	sup, err := session.New(session.Options{
		Key:            sc.Key,
		Label:          sc.Label,
		Dialer:         dialer,
		Handler:        pipe,
		ReconnectDelay: time.Duration(cfg.Pipeline.ReconnectDelaySeconds) * time.Second,
		Bus:            eb,
		Console:        con,
		Log:            log,
	})
	if err != nil {
		_ = closeFn()
		return nil, err
	}

	return &runtimeSession{supervisor: sup, pipeline: pipe, close: closeFn}, nil
}

// logEvents mirrors pipeline lifecycle events into the log until ctx ends.
func logEvents(ctx context.Context, eb *bus.EventBus, log *slog.Logger) {
	events, unsubscribe := eb.SubscribeEvents(ctx, eventLogBuffer)
	defer unsubscribe()

	log = log.With("component", "cmd.events")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{"type", event.Type, "session", event.Session}
			if event.ChatID != "" {
				attrs = append(attrs, "chat", event.ChatID)
			}
			if event.MessageID != "" {
				attrs = append(attrs, "message_id", event.MessageID)
			}
			for key, value := range event.Payload {
				attrs = append(attrs, key, value)
			}
			if event.Error != "" {
				attrs = append(attrs, "error", event.Error)
				log.Warn("Pipeline event", attrs...)
				continue
			}
			log.Debug("Pipeline event", attrs...)
		}
	}
}
