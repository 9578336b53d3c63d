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
	redisadapter "scanhub/internal/adapters/redis"
	"scanhub/internal/logger"
	"scanhub/internal/ports"
)

func consumeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume the job queue and run scans on the queue lane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return consume(ctx, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func consume(ctx context.Context, metricsAddr string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown()
	log := a.log

	// Live clients are connected to the API process; reach them through
	// the relay when one is configured.
	var pusher ports.Pusher
	if a.cfg.Redis.Address != "" {
		rdb := redisadapter.NewClient(a.cfg.Redis)
		defer rdb.Close()
		pusher = redisadapter.NewRelay(rdb, log)
	} else {
		log.Warn("REDIS_ADDRESS not set, live push disabled for queued scans")
	}
	notifier, err := a.notifier(pusher)
	if err != nil {
		return err
	}

	pool := a.pool()
	pool.Start()
	gateway := a.gateway(pool, notifier, nil)
	broker := amqpadapter.NewBroker(a.cfg.RabbitMQ, log)
	consumer := amqpadapter.NewConsumer(broker, gateway.AdmitQueued, a.cfg.Pool.Workers, log, a.metrics,
		amqpadapter.WithRequeueDelay(a.cfg.RabbitMQ.RetryDelay))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })

	var srv *http.Server
	if metricsAddr != "" {
		srv = &http.Server{Addr: metricsAddr, Handler: a.metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down consumer")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		var err error
		if srv != nil {
			err = srv.Shutdown(sctx)
		}
		return errors.Join(err, pool.Stop(sctx))
	})
	log.Info("consumer started", logger.String("queue", broker.Queue()), logger.Int("workers", a.cfg.Pool.Workers))
	return g.Wait()
}
