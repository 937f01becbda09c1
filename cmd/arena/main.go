package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/stakeforge/arena-engine/internal/api"
	"github.com/stakeforge/arena-engine/internal/audit"
	"github.com/stakeforge/arena-engine/internal/db"
	"github.com/stakeforge/arena-engine/internal/lifecycle"
	"github.com/stakeforge/arena-engine/internal/relay"
)

func main() {
	log.Println("Starting StakeForge Arena Engine (Microservice: arena-match-core)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbUrl := requireEnv("DATABASE_URL")
	jwtSecret := requireEnv("JWT_SECRET")

	// The ledger is not optional: without it there is no money, and without
	// money there are no matches.
	store, err := db.Connect(dbUrl)
	if err != nil {
		log.Fatalf("FATAL: Failed to connect to PostgreSQL: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		log.Fatalf("FATAL: DB schema init failed: %v", err)
	}

	// Optional Redis relay for spectator frontends and sibling processes.
	var rl *relay.Relay
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rl, err = relay.New(redisURL)
		if err != nil {
			log.Printf("Warning: Redis relay unavailable, continuing standalone: %v", err)
			rl = nil
		} else {
			defer rl.Close()
		}
	}
	var publisher lifecycle.Publisher
	var onDrift func(audit.DriftAlert)
	if rl != nil {
		publisher = rl
		onDrift = func(alert audit.DriftAlert) {
			rl.PublishDrift(context.Background(), alert)
		}
	}

	cfg := lifecycle.Config{
		MapRadius:        floatEnv("MAP_RADIUS", 100),
		TickRate:         intEnv("TICK_RATE", 30),
		LobbyWaitSeconds: intEnv("LOBBY_WAIT_SECONDS", 30),
	}
	ctrl := lifecycle.New(store, publisher, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Refund matches orphaned by a previous crash before accepting new work.
	// Serving with stranded escrow is worse than not serving.
	if err := ctrl.RecoverOrphans(ctx); err != nil {
		log.Fatalf("FATAL: Orphan recovery failed: %v", err)
	}

	// Promotion loop: sweeps full/expired lobbies into live matches.
	go ctrl.Run(ctx)

	// Ledger integrity auditor. On-demand via the admin API, plus an optional
	// periodic sweep.
	auditor := audit.New(store, onDrift)
	if mins := intEnv("AUDIT_INTERVAL_MINUTES", 0); mins > 0 {
		log.Printf("Ledger audit sweep scheduled every %d minutes", mins)
		go func() {
			ticker := time.NewTicker(time.Duration(mins) * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					auditor.Run(ctx)
				}
			}
		}()
	}

	r := api.SetupRouter(store, ctrl, auditor, []byte(jwtSecret))

	port := getEnvOrDefault("PORT", "8080")
	log.Printf("Arena Engine running on :%s (tick %dHz, map radius %.0f)\n",
		port, cfg.TickRate, cfg.MapRadius)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// intEnv parses an integer setting, warning and falling back on bad input.
func intEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: %s=%q is not an integer, using %d", key, raw, fallback)
		return fallback
	}
	return v
}

// floatEnv parses a float setting, warning and falling back on bad input.
func floatEnv(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("Warning: %s=%q is not a number, using %g", key, raw, fallback)
		return fallback
	}
	return v
}
