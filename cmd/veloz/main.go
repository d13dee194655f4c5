package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/velozfi/veloz/internal/command"
	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/engine"
	"github.com/velozfi/veloz/internal/eventloop"
	"github.com/velozfi/veloz/internal/eventstream"
	"github.com/velozfi/veloz/internal/feed"
	"github.com/velozfi/veloz/internal/fillsim"
	"github.com/velozfi/veloz/internal/risk"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/store"
	"github.com/velozfi/veloz/internal/types"
	"github.com/velozfi/veloz/internal/wal"
)

const version = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		println("no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	rt := runtime.New(cfg)

	rt.Log.Info().Str("version", version).Str("mode", string(cfg.EngineMode)).Msg("veloz: starting")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 1: WRITE-AHEAD LOG
	// ═══════════════════════════════════════════════════════════════

	w, err := wal.Open(rt, cfg.Wal)
	if err != nil {
		rt.Log.Fatal().Err(err).Msg("veloz: wal open failed")
	}
	resumeEventID := peekLastEventID(w)

	if cfg.Replication.Mode != config.ReplicationDisabled {
		sender, err := wal.NewSender(rt, cfg.Replication)
		if err != nil {
			rt.Log.Error().Err(err).Msg("veloz: replication sender unavailable, continuing unreplicated")
		} else {
			w.SetReplicator(sender)
			rt.Log.Info().Str("peer", cfg.Replication.Peer).Str("mode", string(cfg.Replication.Mode)).Msg("veloz: replication sender connected")
		}
	}

	roleGate := wal.NewRoleGate()

	rt.Log.Info().Msg("veloz: wal layer ready")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 2: EVENT STREAM + ENGINE STATE + RISK
	// ═══════════════════════════════════════════════════════════════

	emit := eventstream.New(rt, os.Stdout, resumeEventID)

	riskEngine := risk.New(rt, cfg.Risk, cfg.Breaker)
	fees := engine.BpsFeePolicy{Bps: cfg.Fee.Bps}

	state := engine.New(rt, *cfg, w, emit, riskEngine, fees)
	riskEngine.SetView(state)

	rt.Log.Info().Msg("veloz: engine state ready")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 3: EVENT LOOP + FILL SIMULATOR / VENUE DISPATCHER
	// ═══════════════════════════════════════════════════════════════

	loop := eventloop.New()
	loop.SetOnFailure(riskEngine.NotePanic)
	state.SetExpiryScheduler(engine.NewLoopExpiryScheduler(rt, loop, state))

	var venueDispatcher *fillsim.Venue
	if cfg.Simulation.Enabled {
		sim := fillsim.New(rt, cfg.Simulation, loop, state)
		state.SetScheduler(sim)
		rt.Log.Info().Msg("veloz: fill simulator installed")
	} else {
		venue, err := fillsim.NewVenue(rt, cfg.Venue, state)
		if err != nil {
			rt.Log.Fatal().Err(err).Msg("veloz: venue adapter init failed")
		}
		if err := venue.Connect(context.Background()); err != nil {
			rt.Log.Fatal().Err(err).Msg("veloz: venue connect failed")
		}
		state.SetScheduler(venue)
		venueDispatcher = venue
		defer venue.Close()
		rt.Log.Info().Str("rest", cfg.Venue.RESTBaseURL).Msg("veloz: venue dispatcher installed")
	}

	// ═══════════════════════════════════════════════════════════════
	// LAYER 4: RECOVERY
	// ═══════════════════════════════════════════════════════════════

	if err := w.Replay(state.Apply); err != nil {
		rt.Log.Fatal().Err(err).Msg("veloz: wal replay failed")
	}
	rt.Log.Info().Uint64("sequence", w.LastSequence()).Msg("veloz: wal replay complete")

	persistStore, err := store.Open(rt, cfg.Store)
	if err != nil {
		rt.Log.Warn().Err(err).Msg("veloz: store unavailable, continuing without snapshot mirror")
		persistStore, _ = store.Open(rt, config.StoreConfig{})
	}
	reconciler := store.NewReconciler(persistStore)

	if err := roleGate.BecomePrimary(func() error {
		snap := state.ToSnapshot()

		ghosts, err := reconciler.Verify(snap)
		if err != nil {
			return err
		}
		if ghosts > 0 {
			rt.Log.Warn().Int("ghost_orders", ghosts).Msg("veloz: store mirror diverged from wal replay")
		}

		if venueDispatcher != nil {
			localOnly, err := reconciler.VerifyAgainstVenue(context.Background(), snap, venueDispatcher)
			if err != nil {
				rt.Log.Warn().Err(err).Msg("veloz: venue open-orders reconciliation unavailable")
			} else if localOnly > 0 {
				rt.Log.Warn().Int("local_only_orders", localOnly).Msg("veloz: outstanding orders not found on venue")
			}
		}
		return nil
	}); err != nil {
		rt.Log.Fatal().Err(err).Msg("veloz: startup recovery failed")
	}

	// ═══════════════════════════════════════════════════════════════
	// LAYER 5: COMMAND INGRESS + MARKET FEED
	// ═══════════════════════════════════════════════════════════════

	bus := command.New(rt, loop, state, emit)
	bus.SetRoleGate(roleGate)

	var priceFeed *feed.BinanceFeed
	if cfg.Feed.Enabled {
		priceFeed = feed.NewBinanceFeed(rt, loop, state, cfg.Feed.Symbols, time.Duration(cfg.Feed.IntervalMs)*time.Millisecond)
		priceFeed.Start()
		rt.Log.Info().Strs("symbols", cfg.Feed.Symbols).Msg("veloz: price feed started")
	}

	go runLoop(rt, loop)

	switch cfg.EngineMode {
	case config.ModeStdio:
		go serveStdio(rt, bus)
	case config.ModeService:
		go serveTCP(rt, bus, cfg.ServiceAddr)
	}

	// Periodic checkpoint + store mirror, matching the teacher's periodic
	// persistence tickers in cmd/main.go.
	checkpointDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-checkpointDone:
				return
			case <-ticker.C:
				loop.Post(func() error {
					if _, err := state.Checkpoint(); err != nil {
						rt.Log.Warn().Err(err).Msg("veloz: checkpoint failed")
						return err
					}
					if err := persistStore.SaveSnapshot(state.ToSnapshot()); err != nil {
						rt.Log.Warn().Err(err).Msg("veloz: store mirror save failed")
					}
					return nil
				}, eventloop.Low, "checkpoint")
			}
		}
	}()

	rt.Log.Info().Msg("veloz: running")

	// ═══════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rt.Log.Warn().Msg("veloz: shutdown signal received")
	close(checkpointDone)
	roleGate.BecomeStandby()

	if priceFeed != nil {
		priceFeed.Stop()
	}
	if err := loop.Stop(); err != nil {
		rt.Log.Warn().Err(err).Msg("veloz: event loop stop")
	}
	if _, err := state.Checkpoint(); err != nil {
		rt.Log.Warn().Err(err).Msg("veloz: final checkpoint failed")
	}
	if err := persistStore.SaveSnapshot(state.ToSnapshot()); err != nil {
		rt.Log.Warn().Err(err).Msg("veloz: final store mirror save failed")
	}
	if err := persistStore.Close(); err != nil {
		rt.Log.Warn().Err(err).Msg("veloz: store close failed")
	}
	if err := w.Close(); err != nil {
		rt.Log.Warn().Err(err).Msg("veloz: wal close failed")
	}

	rt.Log.Info().Msg("veloz: shutdown complete")
}

func runLoop(rt *runtime.Runtime, loop *eventloop.Loop) {
	if err := loop.Run(); err != nil && err != eventloop.ErrAlreadyRunning {
		rt.Log.Error().Err(err).Msg("veloz: event loop exited with error")
	}
}

// serveStdio reads one command per line from stdin, the default ingress for
// local/dev use and the scenario scripts of spec.md §8.
func serveStdio(rt *runtime.Runtime, bus *command.Bus) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := bus.Submit(scanner.Text()); err != nil {
			rt.Log.Debug().Err(err).Msg("veloz: command rejected")
		}
	}
}

// serveTCP accepts line-oriented command connections, one goroutine per
// connection, mirroring wal/replication.go's Receiver accept loop.
func serveTCP(rt *runtime.Runtime, bus *command.Bus, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		rt.Log.Fatal().Err(err).Str("addr", addr).Msg("veloz: service listen failed")
	}
	rt.Log.Info().Str("addr", addr).Msg("veloz: service listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			rt.Log.Error().Err(err).Msg("veloz: service accept failed")
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			scanner := bufio.NewScanner(c)
			for scanner.Scan() {
				if err := bus.Submit(scanner.Text()); err != nil {
					rt.Log.Debug().Err(err).Msg("veloz: command rejected")
				}
			}
		}(conn)
	}
}

// peekLastEventID scans the WAL for the most recent checkpoint's
// last_event_id without fully replaying into Engine State, so the Event
// Emitter can resume its monotonic sequence before Engine State exists.
func peekLastEventID(w *wal.Wal) uint64 {
	var last uint64
	_ = w.Replay(func(entry types.WalEntry) error {
		if entry.Type != types.WalCheckpoint {
			return nil
		}
		var snap struct {
			LastEventID uint64 `json:"last_event_id"`
		}
		if err := json.Unmarshal(entry.Payload, &snap); err == nil {
			last = snap.LastEventID
		}
		return nil
	})
	return last
}
