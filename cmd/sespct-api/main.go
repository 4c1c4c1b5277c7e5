package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/csaude/sespct-api/bootstrap"
	"github.com/csaude/sespct-api/common"
	"github.com/csaude/sespct-api/ctclient"
	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/httpserver"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/oauth"
	"github.com/csaude/sespct-api/settings"
	"github.com/csaude/sespct-api/storage"
	"github.com/csaude/sespct-api/syncer"
	"github.com/csaude/sespct-api/webhook"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8383",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "db-uri",
		Value: "memory://",
		Usage: "database URI: postgres://... or memory://",
	},
	&cli.StringFlag{
		Name:  "settings-uri",
		Value: "",
		Usage: "optional standalone settings backend: vault://host:port/<mount>/<path>?token=...",
	},
	&cli.StringFlag{
		Name:  "archive-uri",
		Value: "",
		Usage: "optional payload archive: file:///path or s3://bucket/prefix",
	},
	&cli.StringFlag{
		Name:  "public-base-url",
		Value: "",
		Usage: "externally reachable base URL of this API, used to derive the webhook callback URL",
	},
	&cli.Int64Flag{
		Name:  "sync-interval-seconds",
		Value: 86400,
		Usage: "interval between pedido sync runs",
	},
	&cli.Int64Flag{
		Name:  "respostas-interval-seconds",
		Value: 300,
		Usage: "interval between resposta backfill runs",
	},
	&cli.BoolFlag{
		Name:  "sync-on-start",
		Value: false,
		Usage: "run one pedido sync immediately after bootstrap",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "sespct-api",
		Usage: "Serve the SESP-CT integration API and run the CT sync engine",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			dbURI := cCtx.String("db-uri")
			settingsURI := cCtx.String("settings-uri")
			archiveURI := cCtx.String("archive-uri")
			publicBaseURL := cCtx.String("public-base-url")
			syncInterval := time.Duration(cCtx.Int64("sync-interval-seconds")) * time.Second
			respostasInterval := time.Duration(cCtx.Int64("respostas-interval-seconds")) * time.Second
			syncOnStart := cCtx.Bool("sync-on-start")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   cCtx.Bool("log-debug"),
				JSON:    cCtx.Bool("log-json"),
				Service: cCtx.String("log-service"),
				Version: common.Version,
			})
			if cCtx.Bool("log-uid") {
				logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
			}

			factory := storage.NewFactory(logger)
			repos, err := factory.RepositoriesFor(dbURI)
			if err != nil {
				logger.Error("Failed to open database", "uri", dbURI, "err", err)
				return err
			}
			defer repos.Close()

			settingRepo := repos.Settings
			if settingsURI != "" {
				settingRepo, err = factory.SettingsRepoFor(settingsURI)
				if err != nil {
					logger.Error("Failed to open settings backend", "uri", settingsURI, "err", err)
					return err
				}
			}
			settingsSvc := settings.New(settingRepo, logger)
			keeper := envelope.NewKeeper(settingRepo)

			tokens := oauth.NewTokenManager(settingsSvc, keeper, nil, logger)
			gated := &http.Client{
				Timeout:   60 * time.Second,
				Transport: oauth.NewTransport(nil, tokens, settingsSvc, logger),
			}

			var archive interfaces.PayloadArchive
			if archiveURI != "" {
				archive, err = factory.ArchiveFor(archiveURI)
				if err != nil {
					logger.Error("Failed to open payload archive", "uri", archiveURI, "err", err)
					return err
				}
			}

			ingest := webhook.NewIngest(settingsSvc, repos.Pedidos, repos.Respostas, archive, logger)
			handler := httpserver.NewHandler(ingest, repos.Clients, settingsSvc, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			m := server.Metrics()

			ct := ctclient.New(settingsSvc, gated, logger, m)
			registrar := webhook.NewRegistrar(settingsSvc, keeper, tokens, nil, logger)
			acks := webhook.NewAckClient(settingsSvc, tokens, nil, logger)
			engine := syncer.New(ct, repos.Pedidos, repos.Respostas, settingsSvc, registrar, logger, m)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			boot := bootstrap.New(bootstrap.Config{PublicBaseURL: publicBaseURL},
				settingsSvc, keeper, ct, tokens, logger)
			if err := boot.Run(ctx); err != nil {
				// Registration with CT can legitimately fail while the partner is
				// down; the next sync run will surface it again.
				logger.Warn("Bootstrap incomplete", "err", err)
			}

			pedidoJob := syncer.NewPedidoSyncJob(engine, settingsSvc, logger, syncInterval)
			respostaJob := syncer.NewRespostaBackfillJob(engine, settingsSvc, repos.Pedidos, acks, logger, respostasInterval)
			go pedidoJob.Start(ctx)
			go respostaJob.Start(ctx)
			if syncOnStart {
				go pedidoJob.RunOnce(ctx)
			}

			logger.Info("Starting server")
			server.RunInBackground()

			<-ctx.Done()
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
