package api

import (
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stakeforge/arena-engine/internal/audit"
	"github.com/stakeforge/arena-engine/internal/db"
	"github.com/stakeforge/arena-engine/internal/lifecycle"
)

const (
	// Rate limit applied per IP across the whole /api/v1 group. Match
	// streaming only pays this once, on the upgrade request.
	requestsPerMinute = 120
	requestBurst      = 30
)

type APIHandler struct {
	store     *db.PostgresStore
	ctrl      *lifecycle.Controller
	auditor   *audit.Auditor
	jwtSecret []byte
	mapRadius float64
	upgrader  websocket.Upgrader
	startedAt time.Time
}

func SetupRouter(store *db.PostgresStore, ctrl *lifecycle.Controller, auditor *audit.Auditor, jwtSecret []byte) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://arena.stakeforge.gg,https://www.stakeforge.gg
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Admin-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		store:     store,
		ctrl:      ctrl,
		auditor:   auditor,
		jwtSecret: jwtSecret,
		mapRadius: ctrl.MapRadius(),
		upgrader:  newStreamUpgrader(originSet(allowedOrigins)),
		startedAt: time.Now(),
	}
	adminKey := os.Getenv("ADMIN_API_KEY")

	limiter := NewRateLimiter(requestsPerMinute, requestBurst)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		// Public surface. The stream authenticates on the socket itself.
		api.POST("/accounts", handler.handleRegister)
		api.GET("/health", handler.handleHealth)
		api.GET("/matches/:id/verify", handler.handleVerifyMatch)
		api.GET("/matches/:id/stream", handler.handleStream)

		// Player surface — bearer token required.
		player := api.Group("")
		player.Use(PlayerAuth(jwtSecret))
		{
			player.GET("/lobbies", handler.handleListLobbies)
			player.GET("/lobbies/:id", handler.handleGetLobby)
			player.POST("/lobbies/:id/join", handler.handleJoinLobby)
			player.POST("/lobbies/:id/leave", handler.handleLeaveLobby)

			player.GET("/matches/:id", handler.handleGetMatch)

			player.GET("/wallet", handler.handleGetWallet)
			player.POST("/wallet/deposit", handler.handleDeposit)
			player.POST("/wallet/withdraw", handler.handleWithdraw)
			player.GET("/wallet/history", handler.handleHistory)
		}

		// Admin surface — operator key required.
		admin := api.Group("")
		admin.Use(AdminAuth(adminKey))
		{
			admin.POST("/lobbies", handler.handleCreateLobby)
			admin.DELETE("/lobbies/:id", handler.handleCancelLobby)
			admin.POST("/accounts/:id/kyc", handler.handleSetKYC)

			admin.POST("/audit/run", handler.handleRunAudit)
			admin.GET("/audit/status", handler.handleAuditStatus)
		}
	}

	// Prometheus scrape endpoint, outside the rate-limited group.
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// originSet turns the comma-separated ALLOWED_ORIGINS value into the lookup
// the WebSocket upgrader uses. Empty means allow all, same as the CORS layer.
func originSet(allowedOrigins string) map[string]bool {
	set := make(map[string]bool)
	if allowedOrigins == "" || allowedOrigins == "*" {
		set["*"] = true
		return set
	}
	for _, origin := range strings.Split(allowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}
