package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	amqpadapter "scanhub/internal/adapters/amqp"
	httpadapter "scanhub/internal/adapters/http"
	redisadapter "scanhub/internal/adapters/redis"
	"scanhub/internal/logger"
	"scanhub/internal/push"
)

func serveCmd() *cobra.Command {
	var withConsumer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, push hub and direct/scheduled workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, withConsumer)
		},
	}
	cmd.Flags().BoolVar(&withConsumer, "with-consumer", false, "also consume the job queue in this process")
	return cmd
}

func serve(ctx context.Context, withConsumer bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown()
	log := a.log

	hub := push.NewHub(log, a.originPatterns()...)
	notifier, err := a.notifier(hub)
	if err != nil {
		return err
	}

	broker := amqpadapter.NewBroker(a.cfg.RabbitMQ, log)
	publisher := amqpadapter.NewPublisher(broker, log)
	defer publisher.Close()

	pool := a.pool()
	pool.Start()
	gateway := a.gateway(pool, notifier, publisher)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           httpadapter.New(gateway, a.notifications, hub, a.metrics.Handler(), log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.cfg.Redis.Address != "" {
		rdb := redisadapter.NewClient(a.cfg.Redis)
		defer rdb.Close()
		relay := redisadapter.NewRelay(rdb, log)
		g.Go(func() error {
			if err := relay.Run(gctx, hub); err != nil {
				log.Error("push relay stopped", logger.Error(err))
			}
			return nil
		})
	}
	if withConsumer {
		consumer := amqpadapter.NewConsumer(broker, gateway.AdmitQueued, a.cfg.Pool.Workers, log, a.metrics,
			amqpadapter.WithRequeueDelay(a.cfg.RabbitMQ.RetryDelay))
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		gateway.Shutdown(sctx)
		return errors.Join(err, pool.Stop(sctx))
	})
	return g.Wait()
}
