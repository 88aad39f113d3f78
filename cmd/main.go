package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aqs-base/ccew/client"
	"github.com/aqs-base/ccew/config"
	"github.com/aqs-base/ccew/exchange"
	"github.com/aqs-base/ccew/relay"

	_ "github.com/aqs-base/ccew/exchange/binance"
	_ "github.com/aqs-base/ccew/exchange/bitfinex"
	_ "github.com/aqs-base/ccew/exchange/gemini"
)

func main() {
	configPath := flag.String("config", "ccew.toml", "Path to the TOML configuration file")
	relayAddr := flag.String("relay", ":8086", "Listen address of the relay WebSocket server")
	pretty := flag.Bool("pretty", false, "Human-readable console logging")
	flag.Parse()

	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("loading config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(*relayAddr)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("relay server failed")
		}
	}()

	var wg sync.WaitGroup
	for _, name := range cfg.EnabledExchanges() {
		adapter, err := exchange.New(name)
		if err != nil {
			log.Error().Err(err).Str("exchange", string(name)).Msg("skipping exchange")
			continue
		}

		c := client.New(adapter, cfg.ClientOptions())

		for _, m := range cfg.Markets(name) {
			if c.HasTrades() {
				if err := c.SubscribeTrades(m); err != nil {
					log.Error().Err(err).Str("market", m.RemoteID).Msg("trade subscribe failed")
				}
			}
			if c.HasLevel2Updates() {
				if err := c.SubscribeLevel2Updates(m); err != nil {
					log.Error().Err(err).Str("market", m.RemoteID).Msg("book subscribe failed")
				}
			} else if c.HasLevel2Snapshots() {
				if err := c.SubscribeLevel2Snapshots(m); err != nil {
					log.Error().Err(err).Str("market", m.RemoteID).Msg("book subscribe failed")
				}
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Pump(c.Events())
		}()
		go func() {
			<-ctx.Done()
			c.Close()
		}()

		log.Info().Str("exchange", string(name)).Int("markets", len(cfg.Markets(name))).Msg("streaming")
	}

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("all exchanges closed")
}
