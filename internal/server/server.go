package server

import (
	"context"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crashcore/internal/cache"
	"crashcore/internal/config"
	"crashcore/internal/database"
	"crashcore/internal/game"
	"crashcore/internal/race"
	"crashcore/internal/user"
)

const MAX_BODY_BYTES = 10 * 1024 * 1024

type FiberServer struct {
	*fiber.App

	cfg   *config.Config
	db    database.Service
	store *database.Store
	cache cache.Service

	generator    *game.MultiplierGenerator
	overrides    *game.OverrideStore
	orchestrator *game.Orchestrator
	events       *game.Broadcaster

	raceCache   *race.Cache
	raceManager *race.Manager
	users       *user.Service

	validate  *validator.Validate
	cancelRun context.CancelFunc
	startedAt time.Time
}

func New(cfg *config.Config) *FiberServer {
	// Fatal persistence-connect failures inside database.New and an
	// unusable multiplier config file exit the process; everything else
	// degrades.
	db := database.New()
	store := database.NewStore(db)

	redisService := cache.New()
	if redisService == nil {
		log.Println("[SERVER] Redis unavailable, round snapshots disabled")
	}

	multiplierCfg, err := game.LoadMultiplierConfig(cfg.MultiplierConfigPath)
	if err != nil {
		log.Fatalf("[SERVER] Multiplier config unusable: %v", err)
	}
	generator := game.NewMultiplierGenerator(multiplierCfg)

	events := game.NewBroadcaster()
	orchestrator := game.NewOrchestrator(
		game.LoadCountdownConfig(cfg.CountdownConfigPath),
		cfg.CountdownConfigPath, generator, events)
	overrides := game.NewOverrideStore()

	raceCache := race.NewCache(store)
	users := user.NewService(store, raceCache)
	raceManager := race.NewManager(store, raceCache, users, cfg.RaceDuration, cfg.AutoStartDelay)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashcore",
			AppName:       "crashcore",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			BodyLimit:     MAX_BODY_BYTES,
			StrictRouting: false,
			ErrorHandler:  errorHandler(cfg.IsProduction()),
		}),

		cfg:          cfg,
		db:           db,
		store:        store,
		cache:        redisService,
		generator:    generator,
		overrides:    overrides,
		orchestrator: orchestrator,
		events:       events,
		raceCache:    raceCache,
		raceManager:  raceManager,
		users:        users,
		validate:     validator.New(),
		startedAt:    time.Now(),
	}

	server.App.Use(recover.New())

	ctx, cancel := context.WithCancel(context.Background())
	server.cancelRun = cancel

	if redisService != nil {
		go server.snapshotRoundState(ctx)
	}

	raceCache.StartBackground()
	orchestrator.Start()
	raceManager.Start(ctx)

	log.Println("[SERVER] Round orchestrator and race manager started")
	return server
}

// snapshotRoundState mirrors each phase change into redis. Runs until the
// event channel closes; it only writes the snapshot to redis, never touches
// game state.
func (s *FiberServer) snapshotRoundState(ctx context.Context) {
	eventCh, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case _, open := <-eventCh:
			if !open {
				return
			}
			snapCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := s.cache.StoreRoundState(snapCtx, s.orchestrator.State()); err != nil {
				log.Printf("[SERVER] Round snapshot failed: %v", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the game components in dependency order, flushing the
// debounced countdown config and the pending session saves.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.cancelRun != nil {
		s.cancelRun()
	}

	s.orchestrator.Shutdown()
	s.raceManager.Stop()
	s.raceCache.StopBackground()
	s.events.Close()

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}
