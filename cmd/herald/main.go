package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	_ "github.com/lib/pq"
	slogmulti "github.com/samber/slog-multi"
	slogsentry "github.com/samber/slog-sentry"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/dispatch"
	"github.com/heraldhq/herald/quota"
	"github.com/heraldhq/herald/runtime"
	"github.com/heraldhq/herald/store"
	"github.com/heraldhq/herald/templates"

	// load channel adapter packages
	_ "github.com/heraldhq/herald/channels/mailsink"
	_ "github.com/heraldhq/herald/channels/waapi"
	_ "github.com/heraldhq/herald/channels/waweb"
)

var version = "Dev"

func main() {
	config := runtime.LoadConfig("herald.toml")

	// if we have a custom version, use it
	if version != "Dev" {
		config.Version = version
	}

	var level slog.Level
	err := level.UnmarshalText([]byte(config.LogLevel))
	if err != nil {
		log.Fatalf("invalid log level %s", config.LogLevel)
	}

	// configure our logger
	logHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logHandler))

	logger := slog.With("comp", "main")
	logger.Info("starting herald", "version", config.Version)

	// if we have a DSN entry, try to initialize it
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:           config.SentryDSN,
			EnableTracing: false,
		})
		if err != nil {
			log.Fatalf("error initiating sentry client, error %s, dsn %s", err, config.SentryDSN)
		}

		defer sentry.Flush(2 * time.Second)

		logger = slog.New(
			slogmulti.Fanout(
				logHandler,
				slogsentry.Option{Level: slog.LevelError}.NewSentryHandler(),
			),
		)
		logger = logger.With("release", config.Version)
		slog.SetDefault(logger)
	}

	if err := config.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	rt, err := runtime.NewRuntime(config)
	if err != nil {
		logger.Error("error creating runtime", "error", err)
		os.Exit(1)
	}

	channels, err := herald.ReadChannels(config.ChannelsFile)
	if err != nil {
		logger.Error("error reading channels file", "file", config.ChannelsFile, "error", err)
		os.Exit(1)
	}

	tpls, err := herald.ReadTemplates(config.TemplatesFile)
	if err != nil {
		logger.Error("error reading templates file", "file", config.TemplatesFile, "error", err)
		os.Exit(1)
	}

	st := store.New(rt)
	if err := st.Start(); err != nil {
		logger.Error("error starting delivery store", "error", err)
		os.Exit(1)
	}

	quotas := quota.NewManager(rt)
	if err := quotas.Start(); err != nil {
		logger.Error("error starting quota manager", "error", err)
		os.Exit(1)
	}

	registry, err := templates.NewRegistry(filepath.Join(config.StateDir, "templates.json"))
	if err != nil {
		logger.Error("error opening template registry", "error", err)
		os.Exit(1)
	}

	engine, err := dispatch.NewDispatcher(rt, st, quotas, registry, channels, tpls)
	if err != nil {
		logger.Error("error creating dispatcher", "error", err)
		os.Exit(1)
	}

	// if we have a WhatsApp API channel, poll it for template review outcomes so
	// approvals land even when their webhooks are missed
	var poller *templates.Poller
	for _, ch := range channels {
		if ch.ChannelType() != herald.ChannelTypeWhatsAppAPI {
			continue
		}
		adapter, err := herald.NewAdapter(ch)
		if err != nil {
			logger.Error("error creating template poller adapter", "error", err)
			os.Exit(1)
		}
		if fetcher, ok := adapter.(templates.StatusFetcher); ok {
			poller = templates.NewPoller(rt, registry, fetcher)
			poller.Start()
		}
	}

	server := herald.NewServer(config, engine)
	if err := server.Start(); err != nil {
		logger.Error("unable to start server", "error", err)
		os.Exit(1)
	}

	// log batch progress as it streams in
	go func() {
		for event := range engine.Events() {
			if event.Done {
				slog.Info("batch finished", "comp", "main", "batch", event.BatchUUID)
			} else {
				slog.Debug("batch progress", "comp", "main", "batch", event.BatchUUID, "row", event.Row, "status", event.Status)
			}
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("stopping", "signal", <-ch)

	server.Stop()
	if poller != nil {
		poller.Stop()
	}
	quotas.Stop()
	st.Stop()
}
