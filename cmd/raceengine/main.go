// Command raceengine runs the timing core as a standalone process: it
// loads configuration, opens the durable store, and starts accepting
// transponder detections over UDP until interrupted.
package main

import (
	"database/sql"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/hybridsix/chronocore-rs/internal/config"
	"github.com/hybridsix/chronocore-rs/internal/storage"
	"github.com/hybridsix/chronocore-rs/internal/timing"
	"github.com/hybridsix/chronocore-rs/network"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: zerolog.TimeFieldFormat})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve working directory")
	}

	cfg, err := config.Load(root)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	storagePath := cfg.App.StoragePath
	if storagePath == "" {
		storagePath = "chronocore.db"
	}
	db, err := sql.Open("sqlite", storagePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage")
	}
	defer db.Close()

	journal, err := storage.NewJournal(db, storage.JournalConfig{
		BatchMax:        cfg.App.BatchMax,
		BatchMs:         time.Duration(cfg.App.BatchMs) * time.Millisecond,
		CheckpointEvery: time.Duration(cfg.App.CheckpointEveryS) * time.Second,
		FSync:           cfg.App.FSync,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("start journal")
	}
	defer journal.ForceFlush()

	mode := cfg.ModeByName("default")
	router := timing.NewRouter(timing.RouterConfig{
		PitInDevices:  mode.PitInDevices,
		PitOutDevices: mode.PitOutDevices,
	})

	engine := timing.NewEngine(timing.EngineConfig{
		PitTiming:       mode.PitTiming,
		AutoProvisional: mode.AutoProvisional,
	}, router, journal, log.Logger)
	defer engine.Close()

	normalizer := timing.NewNormalizer(timing.NormalizerConfig{
		MinTagLen:     cfg.App.MinTagLen,
		DedupWindow:   time.Duration(cfg.App.DedupWindowMs) * time.Millisecond,
		RateLimitPerS: cfg.App.RateLimitPerS,
	}, log.Logger)

	listenAddr := cfg.App.ListenAddr
	if listenAddr == "" {
		listenAddr = "127.0.0.1:9000"
	}

	source := &network.Source{
		Logger: log.Logger,
		OnPass: func(pkt network.DetectionPacket) {
			raw := timing.RawDetection{
				RawTag:    pkt.Tag,
				TsRecvMs:  time.Now().UnixMilli(),
				DeviceID:  formatDeviceID(pkt.DeviceID),
				HasDevice: pkt.DeviceID != 0,
			}
			if pkt.HasLapTime {
				raw.DeviceSecs = float64(pkt.LapTimeS)
			}
			pass, ok := normalizer.Normalize(raw)
			if !ok {
				return
			}
			if _, err := engine.IngestPass(pass); err != nil {
				log.Error().Err(err).Msg("ingest pass failed")
			}
		},
		OnDisconnected: func() {
			log.Warn().Msg("ingest source disconnected")
		},
	}

	go func() {
		for {
			success, errMsg := source.ListenAndCallback(listenAddr, 30000)
			if success {
				return
			}
			log.Error().Msgf("ingest source stopped: %s, retrying in 2s", errMsg)
			time.Sleep(2 * time.Second)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	source.RequestDisconnect()
}

func formatDeviceID(id int32) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(int(id))
}
