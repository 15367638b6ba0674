package game

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseBetting Phase = "betting"
	PhaseGaming  Phase = "gaming"
)

const (
	MIN_COUNTDOWN_MS = 5_000
	MAX_COUNTDOWN_MS = 1_800_000

	DEFAULT_BETTING_COUNTDOWN_MS = 10_000
	DEFAULT_GAME_COUNTDOWN_MS    = 20_000

	CONFIG_SAVE_DEBOUNCE = 5 * time.Second
)

// CountdownConfig is the runtime-mutable round pacing. It round-trips
// through gameCountdownConfig.json with writes debounced after the last
// change.
type CountdownConfig struct {
	BettingCountdown     int64   `json:"bettingCountdown"`
	GameCountdown        int64   `json:"gameCountdown"`
	FixedCrashMultiplier float64 `json:"fixedCrashMultiplier"`
	AutoStart            bool    `json:"autoStart"`
}

func DefaultCountdownConfig() CountdownConfig {
	return CountdownConfig{
		BettingCountdown:     DEFAULT_BETTING_COUNTDOWN_MS,
		GameCountdown:        DEFAULT_GAME_COUNTDOWN_MS,
		FixedCrashMultiplier: 0,
		AutoStart:            true,
	}
}

// CountdownConfigPatch carries a partial config update; nil fields keep the
// current values. Out-of-range values are rejected, not clamped.
type CountdownConfigPatch struct {
	BettingCountdown     *int64   `json:"bettingCountdown"`
	GameCountdown        *int64   `json:"gameCountdown"`
	FixedCrashMultiplier *float64 `json:"crashMultiplier"`
	AutoStart            *bool    `json:"autoStart"`
}

// RoundState is the observable orchestrator snapshot.
type RoundState struct {
	Phase                      Phase   `json:"phase"`
	IsCountingDown             bool    `json:"isCountingDown"`
	CountdownStartTime         int64   `json:"countdownStartTime"`
	CountdownEndTime           int64   `json:"countdownEndTime"`
	RemainingTime              int64   `json:"remainingTime"`
	GameID                     string  `json:"gameId"`
	Round                      int64   `json:"round"`
	CurrentGameCrashMultiplier float64 `json:"currentGameCrashMultiplier"`
}

// Orchestrator is the perpetual two-phase round clock:
//
//	idle --start--> betting --timeout--> gaming --timeout--> betting --> ...
//
// Phase deadlines are wall-clock timestamps; remaining time is computed on
// demand, so a late timer callback never overlaps phases, it just fires the
// next transition immediately.
type Orchestrator struct {
	mu         sync.RWMutex
	cfg        CountdownConfig
	configPath string
	generator  *MultiplierGenerator
	events     *Broadcaster

	phase          Phase
	round          int64
	gameID         string
	crashValue     float64
	countdownStart time.Time
	countdownEnd   time.Time

	phaseTimer *time.Timer
	saveTimer  *time.Timer
	configDirty bool

	now func() time.Time
}

func NewOrchestrator(cfg CountdownConfig, configPath string, generator *MultiplierGenerator, events *Broadcaster) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		configPath: configPath,
		generator:  generator,
		events:     events,
		phase:      PhaseIdle,
		now:        time.Now,
	}
}

// LoadCountdownConfig reads the persisted pacing config, falling back to
// defaults when the file is absent or unreadable.
func LoadCountdownConfig(path string) CountdownConfig {
	cfg := DefaultCountdownConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[ROUND] Failed to read countdown config %s: %v", path, err)
		}
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("[ROUND] Invalid countdown config %s: %v, using defaults", path, err)
		return DefaultCountdownConfig()
	}

	if cfg.BettingCountdown < MIN_COUNTDOWN_MS || cfg.BettingCountdown > MAX_COUNTDOWN_MS {
		cfg.BettingCountdown = DEFAULT_BETTING_COUNTDOWN_MS
	}
	if cfg.GameCountdown < MIN_COUNTDOWN_MS || cfg.GameCountdown > MAX_COUNTDOWN_MS {
		cfg.GameCountdown = DEFAULT_GAME_COUNTDOWN_MS
	}
	return cfg
}

// Start moves the machine out of idle into the first betting phase.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return
	}
	o.enterBettingLocked()
	o.mu.Unlock()
}

// Stop cancels any pending phase timer and returns to idle. The current
// gameId is not rolled back.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.phaseTimer != nil {
		o.phaseTimer.Stop()
		o.phaseTimer = nil
	}
	wasRunning := o.phase != PhaseIdle
	o.phase = PhaseIdle
	o.countdownStart = time.Time{}
	o.countdownEnd = time.Time{}
	gameID, round := o.gameID, o.round
	o.mu.Unlock()

	if wasRunning {
		log.Printf("[ROUND] Stopped (round %d)", round)
		o.events.Publish(Event{Type: EventCountdownStopped, GameID: gameID, Round: round})
	}
}

// enterBettingLocked starts a fresh round. Caller holds o.mu.
func (o *Orchestrator) enterBettingLocked() {
	now := o.now()
	o.round++
	o.gameID = uuid.NewString()
	o.phase = PhaseBetting
	o.crashValue = 0
	o.countdownStart = now
	o.countdownEnd = now.Add(time.Duration(o.cfg.BettingCountdown) * time.Millisecond)

	gameID, round := o.gameID, o.round
	duration := o.cfg.BettingCountdown
	o.scheduleLocked(o.countdownEnd.Sub(now), o.onBettingTimeout)

	log.Printf("[ROUND] Betting started: round=%d game=%s (%dms)", round, gameID, duration)
	o.events.Publish(Event{
		Type:   EventBettingCountdownStarted,
		GameID: gameID,
		Round:  round,
		Payload: map[string]interface{}{
			"duration": duration,
		},
	})
}

func (o *Orchestrator) onBettingTimeout() {
	o.mu.Lock()
	if o.phase != PhaseBetting {
		o.mu.Unlock()
		return
	}
	gameID, round := o.gameID, o.round
	o.mu.Unlock()

	o.events.Publish(Event{Type: EventBettingPhaseEnded, GameID: gameID, Round: round})

	o.mu.Lock()
	if o.phase != PhaseBetting {
		o.mu.Unlock()
		return
	}
	o.enterGamingLocked()
	o.mu.Unlock()
}

// enterGamingLocked draws the round's crash multiplier and arms the gaming
// timer. Caller holds o.mu.
func (o *Orchestrator) enterGamingLocked() {
	now := o.now()
	o.phase = PhaseGaming
	if o.cfg.FixedCrashMultiplier > 0 {
		o.crashValue = o.cfg.FixedCrashMultiplier
	} else {
		o.crashValue = o.generator.Draw()
	}
	o.countdownStart = now
	o.countdownEnd = now.Add(time.Duration(o.cfg.GameCountdown) * time.Millisecond)

	gameID, round, crash := o.gameID, o.round, o.crashValue
	duration := o.cfg.GameCountdown
	o.scheduleLocked(o.countdownEnd.Sub(now), o.onGamingTimeout)

	log.Printf("[ROUND] Gaming started: round=%d game=%s crash=%.2fx (%dms)", round, gameID, crash, duration)
	o.events.Publish(Event{
		Type:   EventGameCountdownStarted,
		GameID: gameID,
		Round:  round,
		Payload: map[string]interface{}{
			"duration":        duration,
			"crashMultiplier": crash,
		},
	})
}

func (o *Orchestrator) onGamingTimeout() {
	o.mu.Lock()
	if o.phase != PhaseGaming {
		o.mu.Unlock()
		return
	}
	gameID, round := o.gameID, o.round
	autoStart := o.cfg.AutoStart
	o.mu.Unlock()

	o.events.Publish(Event{Type: EventGamePhaseEnded, GameID: gameID, Round: round})

	o.mu.Lock()
	if o.phase != PhaseGaming {
		o.mu.Unlock()
		return
	}
	if autoStart {
		o.enterBettingLocked()
	} else {
		o.phase = PhaseIdle
		o.countdownStart = time.Time{}
		o.countdownEnd = time.Time{}
		log.Printf("[ROUND] Auto-start disabled, returning to idle after round %d", round)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) scheduleLocked(d time.Duration, fn func()) {
	if o.phaseTimer != nil {
		o.phaseTimer.Stop()
	}
	if d < 0 {
		d = 0
	}
	o.phaseTimer = time.AfterFunc(d, fn)
}

// State returns a consistent snapshot; remaining time is computed on demand.
func (o *Orchestrator) State() RoundState {
	o.mu.RLock()
	defer o.mu.RUnlock()

	state := RoundState{
		Phase:                      o.phase,
		IsCountingDown:             o.phase != PhaseIdle,
		GameID:                     o.gameID,
		Round:                      o.round,
		CurrentGameCrashMultiplier: o.crashValue,
	}
	if state.IsCountingDown {
		state.CountdownStartTime = o.countdownStart.UnixMilli()
		state.CountdownEndTime = o.countdownEnd.UnixMilli()
		remaining := o.countdownEnd.Sub(o.now()).Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
		state.RemainingTime = remaining
	}
	return state
}

func (o *Orchestrator) Config() CountdownConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// UpdateConfig validates and applies a partial config change. The change
// only affects the next phase to start; an in-flight phase keeps its
// deadline. The new config is persisted to disk after a debounce.
func (o *Orchestrator) UpdateConfig(patch CountdownConfigPatch) (CountdownConfig, error) {
	if patch.BettingCountdown != nil {
		if *patch.BettingCountdown < MIN_COUNTDOWN_MS || *patch.BettingCountdown > MAX_COUNTDOWN_MS {
			return CountdownConfig{}, fmt.Errorf("bettingCountdown %d out of range [%d, %d]",
				*patch.BettingCountdown, MIN_COUNTDOWN_MS, MAX_COUNTDOWN_MS)
		}
	}
	if patch.GameCountdown != nil {
		if *patch.GameCountdown < MIN_COUNTDOWN_MS || *patch.GameCountdown > MAX_COUNTDOWN_MS {
			return CountdownConfig{}, fmt.Errorf("gameCountdown %d out of range [%d, %d]",
				*patch.GameCountdown, MIN_COUNTDOWN_MS, MAX_COUNTDOWN_MS)
		}
	}
	if patch.FixedCrashMultiplier != nil {
		v := *patch.FixedCrashMultiplier
		if v < 0 || v > MAX_OVERRIDE_MULTIPLIER {
			return CountdownConfig{}, fmt.Errorf("crashMultiplier %.2f out of range [0, %.0f]", v, MAX_OVERRIDE_MULTIPLIER)
		}
		// multipliers this close to 1.0 would crash every round instantly
		if v > 0 && v < 1.01 {
			return CountdownConfig{}, fmt.Errorf("crashMultiplier %.2f must be 0 or at least 1.01", v)
		}
	}

	o.mu.Lock()
	if patch.BettingCountdown != nil {
		o.cfg.BettingCountdown = *patch.BettingCountdown
	}
	if patch.GameCountdown != nil {
		o.cfg.GameCountdown = *patch.GameCountdown
	}
	if patch.FixedCrashMultiplier != nil {
		o.cfg.FixedCrashMultiplier = *patch.FixedCrashMultiplier
	}
	if patch.AutoStart != nil {
		o.cfg.AutoStart = *patch.AutoStart
	}
	cfg := o.cfg
	o.configDirty = true
	o.scheduleSaveLocked()
	o.mu.Unlock()

	log.Printf("[ROUND] Config updated: betting=%dms game=%dms fixed=%.2f autoStart=%v",
		cfg.BettingCountdown, cfg.GameCountdown, cfg.FixedCrashMultiplier, cfg.AutoStart)
	o.events.Publish(Event{Type: EventConfigUpdated, Payload: cfg})
	return cfg, nil
}

// scheduleSaveLocked debounces the disk write ~5s after the last change.
func (o *Orchestrator) scheduleSaveLocked() {
	if o.saveTimer != nil {
		o.saveTimer.Stop()
	}
	o.saveTimer = time.AfterFunc(CONFIG_SAVE_DEBOUNCE, func() {
		if err := o.SaveConfig(); err != nil {
			log.Printf("[ROUND] Failed to persist countdown config: %v", err)
		}
	})
}

// SaveConfig writes the current config to disk immediately. Used by the
// debounce timer and synchronously on shutdown.
func (o *Orchestrator) SaveConfig() error {
	o.mu.Lock()
	if !o.configDirty || o.configPath == "" {
		o.mu.Unlock()
		return nil
	}
	cfg := o.cfg
	o.configDirty = false
	if o.saveTimer != nil {
		o.saveTimer.Stop()
		o.saveTimer = nil
	}
	o.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(o.configPath, data, 0644); err != nil {
		return fmt.Errorf("write countdown config: %w", err)
	}
	log.Printf("[ROUND] Countdown config saved to %s", o.configPath)
	return nil
}

// Shutdown stops the clock and flushes any pending debounced config save.
func (o *Orchestrator) Shutdown() {
	o.Stop()
	if err := o.SaveConfig(); err != nil {
		log.Printf("[ROUND] Final config save failed: %v", err)
	}
}
