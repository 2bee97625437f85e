package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/analytics"
	"github.com/enterprise/txn-sentinel/internal/auth"
	"github.com/enterprise/txn-sentinel/internal/graph"
	"github.com/enterprise/txn-sentinel/internal/ingestion"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/notify"
	"github.com/enterprise/txn-sentinel/internal/pagination"
	"github.com/enterprise/txn-sentinel/internal/profile"
	"github.com/enterprise/txn-sentinel/internal/queue"
	"github.com/enterprise/txn-sentinel/internal/repositories"
	"github.com/enterprise/txn-sentinel/internal/review"
	"github.com/enterprise/txn-sentinel/internal/scoring"
	"github.com/enterprise/txn-sentinel/internal/services"
	"github.com/enterprise/txn-sentinel/internal/silence"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting Transaction Sentinel API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	streamClient, err := queue.NewRedisStreamClient(cfg.Redis, cfg.Worker.DeadLetterStream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Initialize repositories
	txRepo := repositories.NewTransactionRepository(db)
	resultRepo := repositories.NewResultRepository(db)
	profileRepo := repositories.NewProfileRepository(db)
	ruleRepo := repositories.NewRuleRepository(db)
	reviewRepo := repositories.NewReviewRepository(db)
	historyRepo := repositories.NewWeightHistoryRepository(db)
	forestRepo := repositories.NewForestRepository(db)
	operatorRepo := repositories.NewOperatorRepository(db)
	experimentRepo := repositories.NewExperimentRepository(db)

	loc, err := time.LoadLocation(cfg.Risk.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.Risk.Timezone).Msg("Invalid timezone, using UTC")
		loc = time.UTC
	}

	// Profiles and live counters
	counters := profile.NewCounters(txRepo)
	counters.StartJanitor(time.Hour)
	profiles := profile.NewStore(profileRepo, counters, cfg.Risk.EwmaAlpha, loc)

	// Rule cache
	ruleCache := scoring.NewRuleCache(ruleRepo, cfg.Risk.RuleCacheRefresh)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ruleCache.Load(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to load anomaly rules")
	}
	cancel()
	ruleCache.Start()

	// Review queue, sweeper, weight adjuster
	reviewService := review.NewService(reviewRepo, historyRepo, cfg.Feedback)
	adjuster := review.NewAdjuster(ruleRepo, reviewRepo, historyRepo, ruleCache, cfg.Feedback)
	reviewService.SetAdjuster(adjuster)
	adjuster.Start()
	sweeper := review.NewSweeper(reviewRepo, cfg.Feedback)
	sweeper.Start()

	// Notifier
	var notifier notify.Notifier
	var webhook *notify.Webhook
	if cfg.Notifier.WebhookURL != "" {
		webhook = notify.NewWebhook(cfg.Notifier)
		notifier = webhook
	} else {
		notifier = notify.NewLog()
	}

	// Scoring engine and dispatcher
	forests := scoring.NewForestStore(forestRepo)
	engine := scoring.NewEngine(cfg, profiles, forests, ruleCache, txRepo, resultRepo, reviewService, notifier)

	var publisher *queue.EventPublisher
	if cfg.Kafka.Enabled() {
		publisher, err = queue.NewEventPublisher(cfg.Kafka)
		if err != nil {
			log.Error().Err(err).Msg("Failed to start Kafka producer, audit publication disabled")
		} else {
			engine.SetAuditPublisher(publisher)
		}
	}

	experiments := scoring.NewExperimentManager(experimentRepo, cfg.Risk, cfg.Risk.RuleCacheRefresh)
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := experiments.Load(loadCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to load weight experiments")
	}
	loadCancel()
	experiments.Start()
	engine.SetExperiments(experiments)

	dispatcher := scoring.NewDispatcher(engine, cfg.Worker)
	dispatcher.Start()

	// Beneficiary graph
	beneGraph := graph.New(txRepo, cacheClient, cfg.Graph)
	beneGraph.Start()

	// Silence detector
	detector := silence.NewDetector(profileRepo, notifier, cfg.Silence)
	if cfg.Silence.Enabled {
		detector.Start()
	}

	// Services
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	authService := services.NewAuthService(operatorRepo, jwtManager)
	ingestionService := ingestion.NewIngestionService(dispatcher, txRepo, resultRepo, streamClient, cacheClient, cfg.Risk)
	analyticsService := analytics.NewAnalyticsService(ruleRepo, resultRepo, reviewRepo, beneGraph, cacheClient)
	backtester := scoring.NewBacktester(resultRepo, cfg.Risk, cfg.Worker)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())
	router.Use(metrics.Middleware())

	limiter := newIPRateLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)
	router.Use(rateLimitMiddleware(limiter))

	deps := &routeDeps{
		db:          db,
		stream:      streamClient,
		jwtManager:  jwtManager,
		authService: authService,
		ingestion:   ingestionService,
		analytics:   analyticsService,
		backtester:  backtester,
		reviews:     reviewService,
		rules:       ruleRepo,
		ruleCache:   ruleCache,
		profiles:    profileRepo,
		forests:     forests,
		experiments: experimentRepo,
		expManager:  experiments,
		graph:       beneGraph,
		detector:    detector,
	}
	setupRoutes(router, deps)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Drain evaluation lanes before stopping the background workers they
	// feed into.
	dispatcher.Stop()
	if cfg.Silence.Enabled {
		detector.Stop()
	}
	beneGraph.Stop()
	sweeper.Stop()
	adjuster.Stop()
	experiments.Stop()
	ruleCache.Stop()
	counters.Stop()
	if publisher != nil {
		publisher.Close()
	}
	if webhook != nil {
		webhook.Close()
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

type routeDeps struct {
	db          *repositories.Database
	stream      *queue.RedisStreamClient
	jwtManager  *auth.JWTManager
	authService *services.AuthService
	ingestion   *ingestion.IngestionService
	analytics   *analytics.AnalyticsService
	backtester  *scoring.Backtester
	reviews     *review.Service
	rules       *repositories.RuleRepository
	ruleCache   *scoring.RuleCache
	profiles    *repositories.ProfileRepository
	forests     *scoring.ForestStore
	experiments *repositories.ExperimentRepository
	expManager  *scoring.ExperimentManager
	graph       *graph.Graph
	detector    *silence.Detector
}

func setupRoutes(router *gin.Engine, deps *routeDeps) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	router.GET("/ready", readyHandler(deps.db, deps.stream, deps.graph))
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	authMW := auth.Middleware(deps.jwtManager)

	// Auth routes (public)
	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/register", registerHandler(deps.authService))
		authRoutes.POST("/login", loginHandler(deps.authService))
		authRoutes.POST("/refresh", authMW, refreshTokenHandler(deps.authService))
	}

	// Transaction routes
	txRoutes := v1.Group("/transactions")
	{
		txRoutes.POST("/evaluate", evaluateTransactionHandler(deps.ingestion))
		txRoutes.POST("/batch", batchTransactionsHandler(deps.ingestion))
		txRoutes.GET("/results/client/:clientId", listClientResultsHandler(deps.ingestion))
		txRoutes.GET("/results/:txnId", getResultHandler(deps.ingestion))
		txRoutes.GET("/client/:clientId", listClientTransactionsHandler(deps.ingestion))
		txRoutes.GET("/:txnId", getTransactionHandler(deps.ingestion))
	}

	v1.GET("/profiles/:clientId", getProfileHandler(deps.profiles))

	// Rule routes; mutations require an operator token
	ruleRoutes := v1.Group("/rules")
	{
		ruleRoutes.GET("", listRulesHandler(deps.rules))
		ruleRoutes.POST("", authMW, createRuleHandler(deps.rules, deps.ruleCache))
		ruleRoutes.GET("/:id", getRuleHandler(deps.rules))
		ruleRoutes.PUT("/:id", authMW, updateRuleHandler(deps.rules, deps.ruleCache))
		ruleRoutes.DELETE("/:id", authMW, deleteRuleHandler(deps.rules, deps.ruleCache))
	}

	// Review queue routes
	reviewRoutes := v1.Group("/review")
	{
		reviewRoutes.GET("/queue", listReviewQueueHandler(deps.reviews))
		reviewRoutes.GET("/queue/:txnId", getReviewItemHandler(deps.reviews))
		reviewRoutes.POST("/queue/:txnId/feedback", authMW, submitFeedbackHandler(deps.reviews))
		reviewRoutes.POST("/queue/bulk-feedback", authMW, bulkFeedbackHandler(deps.reviews))
		reviewRoutes.GET("/stats", reviewStatsHandler(deps.reviews))
		reviewRoutes.GET("/weight-history", weightHistoryHandler(deps.reviews))
	}

	// Graph routes
	graphRoutes := v1.Group("/graph")
	{
		graphRoutes.GET("/status", graphStatusHandler(deps.graph))
		graphRoutes.GET("/beneficiary/:ifsc/:account", graphBeneficiaryHandler(deps.graph))
		graphRoutes.GET("/client/:clientId", graphClientHandler(deps.graph))
	}

	// Silence routes
	v1.GET("/silence", silenceAlertsHandler(deps.detector))
	v1.POST("/silence/check", silenceCheckHandler(deps.detector))

	// Analytics routes
	analyticsRoutes := v1.Group("/analytics")
	{
		analyticsRoutes.GET("/rules/performance", rulePerformanceHandler(deps.analytics))
		analyticsRoutes.GET("/graph/client/:clientId/network", clientNetworkHandler(deps.analytics))
		analyticsRoutes.GET("/realtime", realtimeHandler(deps.analytics))
		analyticsRoutes.GET("/summary", dailySummaryHandler(deps.analytics))
		analyticsRoutes.POST("/backtest", authMW, auth.RequireRole(models.RoleAdmin, models.RoleAnalyst), runBacktestHandler(deps.backtester))
	}

	// Forest model routes
	modelRoutes := v1.Group("/models")
	{
		modelRoutes.PUT("/:clientId", authMW, putModelHandler(deps.forests))
		modelRoutes.GET("/:clientId", getModelHandler(deps.forests))
	}

	// Weight experiment routes (operators only)
	expRoutes := v1.Group("/experiments")
	expRoutes.Use(authMW)
	{
		expRoutes.POST("", auth.RequireRole(models.RoleAdmin), createExperimentHandler(deps.experiments, deps.expManager))
		expRoutes.GET("", listExperimentsHandler(deps.experiments))
		expRoutes.DELETE("/:id", auth.RequireRole(models.RoleAdmin), deleteExperimentHandler(deps.experiments, deps.expManager))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// ipRateLimiter keeps a token bucket per client IP
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	rl := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *ipRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

func rateLimitMiddleware(limiter *ipRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handlers

func readyHandler(db *repositories.Database, stream *queue.RedisStreamClient, g *graph.Graph) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready": false,
				"error": err.Error(),
			})
			return
		}

		dbStats := db.Stats()
		resp := gin.H{
			"ready":       true,
			"graph_ready": g.IsReady(),
			"database": gin.H{
				"acquired_conns": dbStats.AcquiredConns(),
				"idle_conns":     dbStats.IdleConns(),
			},
		}
		if info, err := stream.GetStreamInfo(ctx); err == nil {
			resp["stream"] = gin.H{
				"length":  info.Length,
				"pending": info.PendingCount,
			}
		}

		c.JSON(http.StatusOK, resp)
	}
}

func registerHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrWeakPassword) || errors.Is(err, services.ErrInvalidRole) {
				status = http.StatusBadRequest
			} else if errors.Is(err, repositories.ErrOperatorExists) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrInvalidCredentials) {
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(auth.AuthorizationHeader)
		if len(token) > len(auth.BearerPrefix) {
			token = token[len(auth.BearerPrefix):]
		}

		resp, err := authService.RefreshToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func evaluateTransactionHandler(svc *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.TransactionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      err.Error(),
				"validTypes": svc.ValidTypes(),
			})
			return
		}

		result, err := svc.Evaluate(c.Request.Context(), &req)
		if err != nil {
			var typeErr *ingestion.InvalidTypeError
			switch {
			case errors.As(err, &typeErr):
				c.JSON(http.StatusBadRequest, gin.H{
					"error":      typeErr.Error(),
					"validTypes": typeErr.ValidTypes,
				})
			case errors.Is(err, repositories.ErrDuplicateTransaction):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, scoring.ErrDispatcherStopped):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func batchTransactionsHandler(svc *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      err.Error(),
				"validTypes": svc.ValidTypes(),
			})
			return
		}

		resp, err := svc.EnqueueBatch(c.Request.Context(), &req)
		if err != nil {
			var typeErr *ingestion.InvalidTypeError
			if errors.As(err, &typeErr) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":      typeErr.Error(),
					"validTypes": typeErr.ValidTypes,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, resp)
	}
}

func getTransactionHandler(svc *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		txn, err := svc.GetTransaction(c.Request.Context(), c.Param("txnId"))
		if err != nil {
			if errors.Is(err, repositories.ErrTransactionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, txn)
	}
}

func listClientTransactionsHandler(svc *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := pagination.ParseLimit(c.Query("limit"), 20, 100)
		before, beforeID, ok := cursorParam(c, "before")
		if !ok {
			return
		}

		rows, err := svc.ListByClient(c.Request.Context(), c.Param("clientId"), before, beforeID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, pagination.NewPage(rows, limit, func(t *models.Transaction) (time.Time, string) {
			return t.Timestamp, t.TxnID
		}))
	}
}

func getResultHandler(svc *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := svc.GetResult(c.Request.Context(), c.Param("txnId"))
		if err != nil {
			if errors.Is(err, repositories.ErrResultNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func listClientResultsHandler(svc *ingestion.IngestionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := pagination.ParseLimit(c.Query("limit"), 20, 100)
		before, beforeID, ok := cursorParam(c, "cursor")
		if !ok {
			return
		}

		rows, err := svc.ListResultsByClient(c.Request.Context(), c.Param("clientId"), before, beforeID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, pagination.NewPage(rows, limit, func(r *models.EvaluationResult) (time.Time, string) {
			return r.EvaluatedAt, r.TxnID
		}))
	}
}

func getProfileHandler(profiles *repositories.ProfileRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := profiles.Get(c.Request.Context(), c.Param("clientId"))
		if err != nil {
			if errors.Is(err, repositories.ErrProfileNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if p.TotalTxnCount == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": repositories.ErrProfileNotFound.Error()})
			return
		}

		c.JSON(http.StatusOK, p)
	}
}

func listRulesHandler(rules *repositories.RuleRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		activeOnly := c.Query("active") == "true"
		out, err := rules.List(c.Request.Context(), activeOnly)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"rules": out})
	}
}

func getRuleHandler(rules *repositories.RuleRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, err := rules.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, repositories.ErrRuleNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, rule)
	}
}

func createRuleHandler(rules *repositories.RuleRepository, cache *scoring.RuleCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name        string             `json:"name" binding:"required"`
			Description string             `json:"description"`
			RuleType    string             `json:"rule_type" binding:"required"`
			RiskWeight  *float64           `json:"risk_weight"`
			VariancePct float64            `json:"variance_pct"`
			Params      map[string]float64 `json:"params"`
			Active      *bool              `json:"active"`
		}

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !models.ValidRuleType(req.RuleType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown rule_type"})
			return
		}

		rule := &models.AnomalyRule{
			Name:        req.Name,
			Description: req.Description,
			RuleType:    req.RuleType,
			RiskWeight:  1.0,
			VariancePct: req.VariancePct,
			Params:      req.Params,
			Active:      true,
		}
		if req.RiskWeight != nil {
			rule.RiskWeight = *req.RiskWeight
		}
		if req.Active != nil {
			rule.Active = *req.Active
		}
		if rule.RiskWeight < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "risk_weight must not be negative"})
			return
		}

		if err := rules.Create(c.Request.Context(), rule); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		cache.Invalidate()

		c.JSON(http.StatusCreated, rule)
	}
}

func updateRuleHandler(rules *repositories.RuleRepository, cache *scoring.RuleCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name        *string            `json:"name"`
			Description *string            `json:"description"`
			RiskWeight  *float64           `json:"risk_weight"`
			VariancePct *float64           `json:"variance_pct"`
			Params      map[string]float64 `json:"params"`
			Active      *bool              `json:"active"`
		}

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rule, err := rules.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, repositories.ErrRuleNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if req.Name != nil {
			rule.Name = *req.Name
		}
		if req.Description != nil {
			rule.Description = *req.Description
		}
		if req.RiskWeight != nil {
			if *req.RiskWeight < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "risk_weight must not be negative"})
				return
			}
			rule.RiskWeight = *req.RiskWeight
		}
		if req.VariancePct != nil {
			rule.VariancePct = *req.VariancePct
		}
		if req.Params != nil {
			rule.Params = req.Params
		}
		if req.Active != nil {
			rule.Active = *req.Active
		}

		if err := rules.Update(c.Request.Context(), rule); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		cache.Invalidate()

		c.JSON(http.StatusOK, rule)
	}
}

func deleteRuleHandler(rules *repositories.RuleRepository, cache *scoring.RuleCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := rules.Delete(c.Request.Context(), c.Param("id")); err != nil {
			if errors.Is(err, repositories.ErrRuleNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		cache.Invalidate()

		c.JSON(http.StatusOK, gin.H{"message": "Rule deleted"})
	}
}

func listReviewQueueHandler(reviews *review.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := pagination.ParseLimit(c.Query("limit"), 20, 100)
		before, beforeID, ok := cursorParam(c, "cursor")
		if !ok {
			return
		}

		items, err := reviews.List(c.Request.Context(), repositories.ReviewFilter{
			Action:   c.Query("action"),
			ClientID: c.Query("clientId"),
			Status:   c.Query("status"),
			Before:   before,
			BeforeID: beforeID,
			Limit:    limit,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, pagination.NewPage(items, limit, func(i *models.ReviewQueueItem) (time.Time, string) {
			return i.EnqueuedAt, i.TxnID
		}))
	}
}

func getReviewItemHandler(reviews *review.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := reviews.Get(c.Request.Context(), c.Param("txnId"))
		if err != nil {
			if errors.Is(err, repositories.ErrReviewItemNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, item)
	}
}

func submitFeedbackHandler(reviews *review.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status     string `json:"status" binding:"required"`
			FeedbackBy string `json:"feedback_by"`
		}

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.FeedbackBy == "" {
			req.FeedbackBy, _ = auth.OperatorEmailFromContext(c)
		}

		item, changed, err := reviews.SubmitFeedback(c.Request.Context(), c.Param("txnId"), req.Status, req.FeedbackBy)
		if err != nil {
			switch {
			case errors.Is(err, review.ErrInvalidFeedback):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, repositories.ErrReviewItemNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"item": item, "changed": changed})
	}
}

func bulkFeedbackHandler(reviews *review.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Items []review.FeedbackRequest `json:"items" binding:"required,min=1,max=500,dive"`
		}

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		operator, _ := auth.OperatorEmailFromContext(c)
		res := reviews.BulkFeedback(c.Request.Context(), req.Items, operator)

		c.JSON(http.StatusOK, res)
	}
}

func reviewStatsHandler(reviews *review.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := reviews.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, stats)
	}
}

func weightHistoryHandler(reviews *review.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := pagination.ParseLimit(c.Query("limit"), 50, 500)
		changes, err := reviews.WeightHistory(c.Request.Context(), c.Query("ruleId"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"changes": changes})
	}
}

func graphStatusHandler(g *graph.Graph) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, g.CurrentStatus())
	}
}

func graphBeneficiaryHandler(g *graph.Graph) gin.HandlerFunc {
	return func(c *gin.Context) {
		beneKey := c.Param("ifsc") + ":" + c.Param("account")

		c.JSON(http.StatusOK, gin.H{
			"beneficiary_key": beneKey,
			"fan_in":          g.FanInCount(beneKey),
			"senders":         g.OtherSenders(beneKey, ""),
		})
	}
}

func graphClientHandler(g *graph.Graph) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.Param("clientId")

		c.JSON(http.StatusOK, gin.H{
			"client_id":            clientID,
			"total_beneficiaries":  g.TotalBeneficiaryCount(clientID),
			"shared_beneficiaries": g.SharedBeneficiaryCount(clientID),
			"network_density":      g.NetworkDensity(clientID),
		})
	}
}

func silenceAlertsHandler(detector *silence.Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		alerts := detector.Alerted()
		c.JSON(http.StatusOK, gin.H{
			"alerts": alerts,
			"count":  len(alerts),
		})
	}
}

func silenceCheckHandler(detector *silence.Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		newAlerts, resolved, err := detector.Check(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"new_alerts": newAlerts,
			"resolved":   resolved,
		})
	}
}

func rulePerformanceHandler(svc *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)

		perf, err := svc.RulePerformance(c.Request.Context(), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"rules": perf})
	}
}

func clientNetworkHandler(svc *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		network, err := svc.GetClientNetwork(c.Request.Context(), c.Param("clientId"))
		if err != nil {
			if errors.Is(err, analytics.ErrGraphNotReady) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, network)
	}
}

func realtimeHandler(svc *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := svc.Realtime(c.Request.Context())
		if err != nil {
			if errors.Is(err, analytics.ErrNoRealtimeData) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, snap)
	}
}

func dailySummaryHandler(svc *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		date := time.Now()
		if dateStr := c.Query("date"); dateStr != "" {
			parsed, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
				return
			}
			date = parsed
		}

		summary, err := svc.DailySummary(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

func runBacktestHandler(backtester *scoring.Backtester) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scoring.BacktestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		report, err := backtester.Run(c.Request.Context(), req)
		if err != nil {
			if errors.Is(err, scoring.ErrInvalidBacktest) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, report)
	}
}

func putModelHandler(forests *scoring.ForestStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var forest models.IsolationForest
		if err := c.ShouldBindJSON(&forest); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		forest.ClientID = c.Param("clientId")

		if err := forests.Put(c.Request.Context(), &forest); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"client_id":  forest.ClientID,
			"trees":      len(forest.Trees),
			"trained_at": forest.TrainedAt,
		})
	}
}

func getModelHandler(forests *scoring.ForestStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		forest, err := forests.Get(c.Request.Context(), c.Param("clientId"))
		if err != nil {
			if errors.Is(err, repositories.ErrModelNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, forest)
	}
}

func createExperimentHandler(repo *repositories.ExperimentRepository, manager *scoring.ExperimentManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RuleID          string  `json:"rule_id" binding:"required"`
			CandidateWeight float64 `json:"candidate_weight" binding:"required,gt=0"`
			TrafficPct      int     `json:"traffic_pct" binding:"min=0,max=100"`
		}

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		exp := &models.WeightExperiment{
			RuleID:          req.RuleID,
			CandidateWeight: req.CandidateWeight,
			TrafficPct:      req.TrafficPct,
			Active:          true,
		}

		if err := repo.Create(c.Request.Context(), exp); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		manager.Invalidate()

		c.JSON(http.StatusCreated, exp)
	}
}

func listExperimentsHandler(repo *repositories.ExperimentRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		experiments, err := repo.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"experiments": experiments})
	}
}

func deleteExperimentHandler(repo *repositories.ExperimentRepository, manager *scoring.ExperimentManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := repo.Delete(c.Request.Context(), c.Param("id")); err != nil {
			if errors.Is(err, repositories.ErrExperimentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		manager.Invalidate()

		c.JSON(http.StatusOK, gin.H{"message": "Experiment deleted"})
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}

// cursorParam decodes an opaque keyset cursor query parameter. A missing
// parameter means "first page". On a malformed cursor it writes a 400 and
// returns ok=false.
func cursorParam(c *gin.Context, name string) (time.Time, string, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, "", true
	}
	cur, err := pagination.Decode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": pagination.ErrInvalidCursor.Error()})
		return time.Time{}, "", false
	}
	return cur.At, cur.ID, true
}
