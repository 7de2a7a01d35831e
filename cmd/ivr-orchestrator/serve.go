package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Fechomap/telnyx-sip-server/internal/casedir"
	"github.com/Fechomap/telnyx-sip-server/internal/config"
	"github.com/Fechomap/telnyx-sip-server/internal/gateway"
	"github.com/Fechomap/telnyx-sip-server/internal/orchestrator"
	"github.com/Fechomap/telnyx-sip-server/internal/publisher"
	"github.com/Fechomap/telnyx-sip-server/internal/server"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept provider notifications and run call dialogues",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := newPublisher(cfg.MQTT, log)
	if err != nil {
		return err
	}
	defer pub.Close()
	lifecycle := publisher.NewLifecycle(pub, cfg.MQTT.TopicPrefix, log.Named("lifecycle"))
	defer lifecycle.Close()

	gw := gateway.NewTelnyxClient(gateway.TelnyxOptions{
		BaseURL:      cfg.Telnyx.BaseURL,
		APIKey:       cfg.Telnyx.APIKey,
		Timeout:      cfg.Telnyx.Timeout,
		MaxRetries:   cfg.Telnyx.MaxRetries,
		RetryBackoff: cfg.Telnyx.RetryBackoff,
		Logger:       log.Named("gateway"),
	})
	dir := casedir.NewHTTPDirectory(cfg.CaseDirectory.BaseURL, cfg.CaseDirectory.Timeout)

	orch := orchestrator.New(gw, dir,
		orchestrator.WithLogger(log.Named("orchestrator")),
		orchestrator.WithNotifier(lifecycle),
		orchestrator.WithSettings(orchestrator.SettingsFrom(cfg)),
	)
	srv := server.New(cfg.HTTP.Listen, orch, orch.Store(), log.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		orch.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func newPublisher(cfg config.MQTTConfig, log *zap.Logger) (publisher.Publisher, error) {
	if !cfg.Enabled {
		return publisher.Nop{}, nil
	}
	pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
		Broker:      cfg.Broker,
		ClientID:    cfg.ClientID,
		QoS:         1,
		StatusTopic: cfg.TopicPrefix + "/status",
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	log.Info("connected to MQTT broker", zap.String("broker", cfg.Broker))
	return pub, nil
}
