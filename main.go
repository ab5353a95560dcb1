package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"quad.social/achievement"
	"quad.social/config"
	"quad.social/location"
	"quad.social/place"
	"quad.social/server"
	"quad.social/social"
)

var configFile = flag.String("config", "config.yaml", "path to the config file")

func main() {
	flag.Parse()

	conf, err := config.Load(*configFile)
	if err != nil {
		logger := zerolog.New(os.Stderr)
		logger.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(conf.Logger.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	db, err := sql.Open("sqlite3", conf.Database.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	socialStore, err := social.NewStore(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init social store")
	}
	index, err := place.NewSQLIndex(db)
	if err != nil {
		log.Fatal().Err(err).Msg("init place index")
	}
	visits, err := place.NewSQLVisits(db)
	if err != nil {
		log.Fatal().Err(err).Msg("init visit store")
	}
	dispatcher, err := achievement.NewDispatcher(db, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init achievement dispatcher")
	}
	store, err := location.NewStore(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init location store")
	}

	if conf.Visit.SeedFile != "" {
		n, err := index.SeedFromFile(context.Background(), conf.Visit.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", conf.Visit.SeedFile).Msg("seed places")
		}
		log.Info().Int("places", n).Msg("seeded curated places")
	}

	registry := location.NewRegistry()
	metrics := server.NewMetrics(conf.Metrics.Enabled, registry)
	hub := server.NewHub(socialStore, registry, metrics, conf.Presence.Heartbeat, log)

	scanner := place.NewScanner(place.ScannerConfig{
		SearchRadiusMeters:   conf.Visit.SearchRadiusMeters,
		VisitThresholdMeters: conf.Visit.VisitThresholdMeters,
	}, index, visits, dispatcher, log)

	gateway := location.NewGateway(location.GatewayConfig{
		TTL:              conf.Location.TTL,
		Freshness:        conf.Location.Freshness,
		MaxTrackDuration: conf.Location.MaxTrack,
	}, store, registry, socialStore, socialStore, scanner, hub, metrics, log)

	stopSweeper := store.StartSweeper(conf.Location.SweepInterval)
	defer stopSweeper()

	srv := server.New(gateway, hub, socialStore, metrics, conf.Metrics.Enabled, log)
	web := server.NewHTTPServer(conf.Addr(), srv.Routes())

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", conf.Addr()).Str("app", conf.AppName).Msg("listening")
		if err := web.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := web.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("gracefully stopped")
}
