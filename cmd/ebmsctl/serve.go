package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-ebms/internal/events"
	"github.com/sirosfoundation/go-ebms/internal/metrics"
	"github.com/sirosfoundation/go-ebms/internal/sender"
	"github.com/sirosfoundation/go-ebms/internal/server"
	"github.com/sirosfoundation/go-ebms/internal/validators"
	"github.com/sirosfoundation/go-ebms/pkg/msh"
	"github.com/sirosfoundation/go-ebms/pkg/storage"
	"github.com/sirosfoundation/go-ebms/pkg/validation"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the message handler",
		Long: `Runs the message service handler: received messages are taken from NATS,
validated and delivered, outgoing messages are sent and resent until a
receipt arrives, and the admin API serves queries and submissions.
Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	raw, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer raw.Close(context.Background())

	var (
		st  storage.Store = raw
		m   *metrics.Metrics
		srv []server.Option
	)
	if cfg.Observability.Metrics.Enabled {
		if m, err = metrics.New(prometheus.NewRegistry()); err != nil {
			return err
		}
		st = m.Instrument(raw)
		srv = append(srv, server.WithMetrics(cfg.Observability.Metrics.Path, m.Handler()))
	}

	pmodes, err := a.loadPModes()
	if err != nil {
		return fmt.Errorf("load P-Modes: %w", err)
	}
	registry := validation.NewRegistry()
	if err := validators.Register(registry); err != nil {
		return err
	}
	pipelineOpts := []validation.Option{validation.WithLogger(logger)}
	if m != nil {
		pipelineOpts = append(pipelineOpts, validation.WithReporter(m))
	}
	pipeline := validation.NewPipeline(pmodes, registry, pipelineOpts...)

	natsCfg := cfg.Events.NATS
	var (
		conn events.Conn = events.LogConn{Logger: logger}
		nc   *nats.Conn
	)
	if natsCfg.URL != "" {
		if nc, err = events.Connect(natsCfg.URL, "ebmsctl"); err != nil {
			return err
		}
		defer nc.Close()
		conn = nc
	} else {
		logger.Warn("no NATS URL configured, messages are only logged")
	}
	publisher := events.NewPublisher(conn,
		events.WithSubjectPrefix(natsCfg.SubjectPrefix),
		events.WithOutboundSubject(natsCfg.OutboundSubject),
		events.WithDeliverySubject(natsCfg.DeliverySubject),
		events.WithLogger(logger))

	eventHandlers := []msh.EventHandler{publisher.HandleEvent}
	if m != nil {
		eventHandlers = append(eventHandlers, m.HandleEvent)
	}
	handler, err := msh.NewMSH(msh.Config{
		Store:        st,
		PModes:       pmodes,
		Deliverer:    publisher,
		Transmitter:  publisher,
		Validation:   pipeline,
		EventHandler: events.Fanout(eventHandlers...),
		ErrorHandler: publisher.HandleErrors,
		Logger:       logger,
		WorkerCount:  cfg.MSH.Workers,
		MaxQueueSize: cfg.MSH.QueueSize,
	})
	if err != nil {
		return err
	}
	if err := handler.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := handler.Stop(); err != nil {
			logger.Warn("stopping message handler", "error", err)
		}
	}()

	snd := sender.NewSender(st, pmodes, publisher, &sender.Config{
		PollInterval: cfg.Reliability.ResendInterval,
		ExpireAfter:  cfg.Reliability.ExpireAfter,
		ErrorHandler: publisher.HandleErrors,
		AfterPoll: func(ctx context.Context) {
			if m == nil {
				return
			}
			if err := m.UpdateBacklog(ctx, st); err != nil {
				logger.Warn("updating backlog metrics", "error", err)
			}
		},
		Logger: logger,
	})
	snd.Start(ctx)
	defer snd.Stop()

	if nc != nil {
		sub := events.NewSubscriber(nc, handler, events.SubscriberConfig{
			UserMessageSubject: natsCfg.UserMessageSubject,
			SignalSubject:      natsCfg.SignalSubject,
			PayloadDir:         cfg.Server.PayloadDir,
			Logger:             logger,
		})
		if err := sub.Start(); err != nil {
			return err
		}
		defer sub.Stop()
	}

	api := server.New(&cfg.Server, st, logger, append(srv, server.WithSubmitter(handler))...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})

	logger.Info("message handler running",
		"version", version,
		"storage", cfg.Storage.Backend,
		"pmodes", len(pmodes.IDs()),
		"nats", natsCfg.URL != "")
	return g.Wait()
}
