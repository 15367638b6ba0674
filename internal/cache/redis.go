package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"

	"crashcore/internal/game"
	"crashcore/internal/models"
)

const (
	KEY_CURRENT_ROUND  = "crash:round:current"
	KEY_RECENT_CRASHES = "crash:crashes:recent"

	ROUND_SNAPSHOT_TTL = 1 * time.Hour
	RECENT_CRASH_LIMIT = 100
)

type Service interface {
	GetClient() *redis.Client
	Health() map[string]string
	Close() error

	StoreRoundState(ctx context.Context, state game.RoundState) error
	GetRoundState(ctx context.Context) (*game.RoundState, error)
	PushCrash(ctx context.Context, sess models.GameSession) error
	RecentCrashes(ctx context.Context, limit int) ([]models.GameSession, error)
}

type service struct {
	client *redis.Client
}

var (
	redisAddr     = getEnv("REDIS_URL", "localhost:6379")
	redisPassword = getEnv("REDIS_PASSWORD", "")
	redisDB       = getEnvAsInt("REDIS_DB", 0)
	cacheInstance *service
)

func New() Service {
	if cacheInstance != nil {
		return cacheInstance
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("[CACHE] Redis connection failed: %v", err)
		log.Println("[CACHE] Running without Redis cache")
		return nil
	}

	log.Println("[CACHE] Redis connected successfully")

	cacheInstance = &service{
		client: client,
	}

	return cacheInstance
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

// StoreRoundState snapshots the orchestrator's observable state so pollers
// can be served across a restart gap.
func (s *service) StoreRoundState(ctx context.Context, state game.RoundState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, KEY_CURRENT_ROUND, data, ROUND_SNAPSHOT_TTL).Err()
}

func (s *service) GetRoundState(ctx context.Context) (*game.RoundState, error) {
	data, err := s.client.Get(ctx, KEY_CURRENT_ROUND).Bytes()
	if err != nil {
		return nil, err
	}
	var state game.RoundState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// PushCrash prepends a finished session to the capped recent-crash list.
func (s *service) PushCrash(ctx context.Context, sess models.GameSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, KEY_RECENT_CRASHES, data)
	pipe.LTrim(ctx, KEY_RECENT_CRASHES, 0, RECENT_CRASH_LIMIT-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentCrashes reads back the newest-first crash list. Used as a warm
// fallback when the in-memory race tables are empty after a restart.
func (s *service) RecentCrashes(ctx context.Context, limit int) ([]models.GameSession, error) {
	if limit <= 0 || limit > RECENT_CRASH_LIMIT {
		limit = RECENT_CRASH_LIMIT
	}
	raw, err := s.client.LRange(ctx, KEY_RECENT_CRASHES, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]models.GameSession, 0, len(raw))
	for _, item := range raw {
		var sess models.GameSession
		if json.Unmarshal([]byte(item), &sess) == nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Println("[CACHE] Disconnecting from Redis")
	err := s.client.Close()
	cacheInstance = nil
	return err
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
