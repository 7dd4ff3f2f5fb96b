package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"depthbook/api"
	"depthbook/config"
	"depthbook/exchange"
	"depthbook/logging"
	"depthbook/metrics"
	"depthbook/orderbook"
	"depthbook/publish"
	"depthbook/reconcile"
	"depthbook/ringbuffer"
)

func main() {
	app := &cli.App{
		Name:  "depthbook",
		Usage: "maintain a local replica of an exchange order book from a snapshot and a diff stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "symbol",
				Usage: "exchange symbol to replicate, overrides the config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "address of the query API",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("symbol") {
		cfg.Symbol = c.String("symbol")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("listen") {
		cfg.Server.Listen = c.String("listen")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	symbol := strings.ToUpper(cfg.Symbol)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	recorder, err := metrics.New(reg, symbol)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	ring, err := ringbuffer.New[orderbook.DeltaEvent](cfg.Buffer.Capacity)
	if err != nil {
		return err
	}
	producer := ringbuffer.NewProducer(ring, cfg.Policy(), cfg.Buffer.MaxRetries, cfg.Buffer.RetryDelay, recorder)

	binanceCfg := cfg.BinanceConfig()
	fetcher := exchange.NewBinance(binanceCfg, log)
	feed := exchange.NewBufferFeed(producer, symbol, log.With().Str("component", "feed").Logger(), recorder)
	stream := exchange.NewStreamClient(binanceCfg.DepthStreamURL(), feed, log,
		exchange.WithReconnectDelay(cfg.Binance.ReconnectDelay),
		exchange.WithReadTimeout(cfg.Binance.ReadTimeout),
	)

	hub := publish.NewHub(cfg.Publish.FeedBuffer)
	dispatcher := publish.NewDispatcher(cfg.Publish.QueueSize, cfg.Publish.SendTimeout,
		log.With().Str("component", "publish").Logger(), sinks(&cfg, hub)...)

	engine := reconcile.New(cfg.EngineConfig(), ring, fetcher,
		reconcile.WithLogger(log.With().Str("component", "engine").Logger()),
		reconcile.WithRecorder(recorder),
		reconcile.WithPublisher(dispatcher),
	)
	server := api.New(engine, hub, metrics.Handler(reg), log.With().Str("component", "api").Logger())

	log.Info().
		Str("symbol", symbol).
		Int("capacity", ring.Capacity()).
		Stringer("policy", cfg.Policy()).
		Strs("sinks", dispatcher.Sinks()).
		Msg("starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error {
		return server.Run(ctx, cfg.Server.Listen, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	})
	g.Go(func() error { return engine.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shut down")
		return nil
	}
	log.Error().Err(err).Msg("stopped")
	return err
}

func sinks(cfg *config.Config, hub *publish.Hub) []publish.Sink {
	out := []publish.Sink{hub}
	if r := cfg.Publish.Redis; r.Enabled {
		out = append(out, publish.NewRedisSink(publish.RedisConfig{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
			Key:      r.Key,
		}))
	}
	if k := cfg.Publish.Kafka; k.Enabled {
		out = append(out, publish.NewKafkaSink(k.Brokers, k.Topic))
	}
	return out
}
