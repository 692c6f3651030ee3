package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"api-marketplace/background"
	"api-marketplace/controller"
	"api-marketplace/infra"
	"api-marketplace/metrics"
	appMiddleware "api-marketplace/middleware"
	"api-marketplace/ratelimit"
	"api-marketplace/service"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Port   int    `help:"服務監聽端口" short:"p" default:"8090"`
	Config string `help:"設定檔路徑" short:"c" default:"config.yml"`
}

type AppServices struct {
	SQLite   *infra.SQLite
	MongoDB  *infra.MongoDB
	Redis    *infra.Redis
	RabbitMQ *infra.RabbitMQ
}

// 全局變量用於存儲 OpenTelemetry cleanup 函數
var otelCleanup func()

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, options *Options) {
		// 載入設定檔
		if err := infra.LoadConfig(options.Config); err != nil {
			log.Fatal().
				Err(err).
				Str("path", options.Config).
				Msg("讀取設定檔失敗")
		}
		cfg := infra.AppConfig

		// 初始化 logger（在載入配置後）
		infra.InitLogger()

		// Prometheus registry 必須先建立，OpenTelemetry 的 prometheus exporter 會註冊到同一個 registry
		if err := appMiddleware.InitPrometheusMetrics(log.Logger); err != nil {
			log.Error().
				Err(err).
				Msg("Prometheus metrics 初始化失敗，將繼續運行")
		}

		otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if otelEndpoint == "" {
			otelEndpoint = cfg.Otel.Endpoint
		}
		otelConfig := appMiddleware.OtelConfig{
			ServiceName:     cfg.App.Name,
			ServiceVersion:  cfg.App.AppVersion,
			Environment:     os.Getenv("ENV"),
			OTLPEndpoint:    otelEndpoint,
			TracesEnabled:   true,
			MetricsEnabled:  true,
			Enabled:         cfg.Otel.Enabled,
			DevelopmentMode: cfg.Otel.DevelopmentMode,
		}

		var err error
		otelCleanup, err = appMiddleware.InitOpenTelemetry(otelConfig, log.Logger)
		if err != nil {
			log.Fatal().
				Err(err).
				Msg("OpenTelemetry 初始化失敗")
		}

		// 初始化全局 tracer
		infra.InitTracer()

		// 初始化 Service 層 metrics
		if err := metrics.InitServiceMetrics(appMiddleware.GetPrometheusRegistry()); err != nil {
			log.Error().
				Err(err).
				Msg("Service metrics 初始化失敗，將繼續運行")
		}

		log.Info().
			Int("port", options.Port).
			Msg("啟動 API Marketplace 服務")

		services, err := initializeServices()
		if err != nil {
			log.Fatal().
				Err(err).
				Msg("初始化服務失敗")
		}

		router := chi.NewRouter()
		router.Use(middleware.Logger)
		router.Use(middleware.Recoverer)
		router.Use(middleware.RequestID)
		router.Use(middleware.Heartbeat("/ping"))

		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300, // Maximum value not ignored by any of major browsers
		}))

		apiConfig := huma.DefaultConfig("API Marketplace", cfg.App.AppVersion)
		apiConfig.Info.Description = "API Marketplace 計費與限流服務"

		serverURL := fmt.Sprintf("http://localhost:%d", options.Port)
		if cfg.App.BaseURL != "" {
			serverURL = cfg.App.BaseURL
		}
		apiConfig.Servers = []*huma.Server{
			{URL: serverURL},
		}

		// 配置 JWT Bearer 認證
		apiConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
			"bearerAuth": {
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "JWT Bearer Token 認證",
			},
		}

		api := humachi.New(router, apiConfig)

		// 限流服務：Redis 可用時統計寫入 Redis，否則退回記憶體
		var statsRecorder ratelimit.StatsRecorder
		if services.Redis != nil {
			statsRecorder = ratelimit.NewRedisStatsRecorder(log.Logger, services.Redis.Client, cfg.RateLimit.StatsQueueSize)
		}
		rateLimitService, err := service.NewRateLimitService(log.Logger,
			limiterConfig(cfg.RateLimit.Global),
			limiterConfig(cfg.RateLimit.PerUser),
			statsRecorder,
		)
		if err != nil {
			log.Fatal().
				Err(err).
				Msg("限流設定無效")
		}

		authMiddleware := appMiddleware.NewDeveloperAuthMiddleware(log.Logger, cfg.JWT.SecretKey)
		rateLimitMiddleware := appMiddleware.NewRateLimitMiddleware(log.Logger, rateLimitService,
			cfg.RateLimit.IdentitySource, cfg.RateLimit.TrustProxyHeaders)
		if cfg.RateLimit.IdentitySource != appMiddleware.IdentitySourceVerified {
			log.Warn().Msg("每用戶限流使用未驗證的 token 宣告分桶，僅適用於限流")
		}

		api.UseMiddleware(appMiddleware.OpenTelemetryMiddleware(otelConfig, log.Logger))
		api.UseMiddleware(appMiddleware.PrometheusMiddleware(log.Logger))
		api.UseMiddleware(rateLimitMiddleware.Global())

		auditLogService := service.NewAuditLogService(log.Logger, services.MongoDB)
		apiUsageLogService := service.NewAPIUsageLogService(log.Logger, services.MongoDB)
		rateLimitService.SetAuditLogger(auditLogService)

		ledgerTimeout := time.Duration(cfg.Ledger.TimeoutMs) * time.Millisecond
		ledgerClient := infra.NewSorobanClient(infra.SorobanConfig{
			BaseURL:     cfg.Ledger.BaseURL,
			APIKey:      cfg.Ledger.APIKey,
			Timeout:     ledgerTimeout,
			MaxInFlight: cfg.Ledger.MaxInFlight,
		})
		deductionStore, err := newDeductionStore(services)
		if err != nil {
			log.Fatal().
				Err(err).
				Msg("扣款儲存層初始化失敗")
		}
		billingService := service.NewBillingDeductionService(log.Logger, deductionStore, ledgerClient, ledgerTimeout)
		billingService.SetAuditLogger(auditLogService)

		bgCtx, bgCancel := context.WithCancel(context.Background())

		if services.RabbitMQ != nil {
			billingService.SetEventPublisher(service.NewDeductionEventPublisher(log.Logger, services.RabbitMQ))
			consumer := background.NewDeductionEventConsumer(log.Logger, services.RabbitMQ, apiUsageLogService)
			go consumer.Start(bgCtx)
		} else {
			log.Warn().Msg("RabbitMQ 未連接，扣款完成事件不會發送")
		}

		checks := infra.HealthChecks(services.SQLite, services.MongoDB, services.Redis, services.RabbitMQ)
		healthReporter := background.NewHealthReporter(log.Logger, checks, 30*time.Second,
			appMiddleware.UpdateInfrastructureHealth,
			func(ctx context.Context) {
				// 更新存活 bucket 數量
				if _, err := rateLimitService.Stats(ctx, time.Now()); err != nil {
					log.Error().Err(err).Msg("更新限流統計失敗")
				}
			},
		)
		go healthReporter.Start(bgCtx)

		controller.NewBillingController(log.Logger, billingService, authMiddleware, rateLimitMiddleware).RegisterRoutes(api)
		controller.NewRateLimitController(log.Logger, rateLimitService, authMiddleware).RegisterRoutes(api)
		controller.NewAPIUsageLogController(log.Logger, apiUsageLogService, authMiddleware).RegisterRoutes(api)
		controller.NewAuditLogController(log.Logger, auditLogService, authMiddleware).RegisterRoutes(api)
		controller.NewMonitoringController(log.Logger, checks).RegisterRoutes(api)

		router.Handle("/metrics", appMiddleware.GetStandardPrometheusHandler())

		hooks.OnStart(func() {
			log.Info().
				Int("port", options.Port).
				Str("docs_url", fmt.Sprintf("%s/docs", serverURL)).
				Msg("API文檔已啟用")
			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", options.Port),
				Handler: router,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().
						Err(err).
						Msg("服務器啟動失敗")
				}
			}()
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			log.Info().Msg("正在關閉服務器...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Error().
					Err(err).
					Msg("服務器關閉錯誤")
			}
			bgCancel()
			rateLimitService.Destroy()
			// 清理 OpenTelemetry resources
			if otelCleanup != nil {
				log.Info().Msg("正在關閉 OpenTelemetry...")
				otelCleanup()
			}
			cleanupServices(services)
			log.Info().Msg("服務器已關閉")
		})
	})

	addCommands(cli)
	cli.Run()
}

func limiterConfig(rule infra.RateLimitRuleYAML) ratelimit.Config {
	return ratelimit.Config{
		WindowMs:            rule.WindowMs,
		MaxRequests:         rule.MaxRequests,
		CleanupInterval:     time.Duration(infra.AppConfig.RateLimit.CleanupIntervalMs) * time.Millisecond,
		InactivityThreshold: time.Duration(infra.AppConfig.RateLimit.InactivityThresholdMs) * time.Millisecond,
	}
}

// newDeductionStore 依 billing.store 選擇扣款紀錄的儲存層
func newDeductionStore(services *AppServices) (service.DeductionStore, error) {
	if infra.AppConfig.Billing.Store == infra.DeductionStoreSQLite {
		log.Warn().Msg("扣款紀錄使用 SQLite：寫入交易會持有整個資料庫的鎖直到帳本回覆，扣款逐筆進行，僅適用單機開發")
		return service.NewSQLiteDeductionStore(services.SQLite), nil
	}

	// 唯一索引必須在第一筆扣款前存在
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := services.MongoDB.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("建立 MongoDB 索引失敗: %w", err)
	}
	return service.NewMongoDeductionStore(services.MongoDB), nil
}

func initializeServices() (*AppServices, error) {
	var sqliteDB *infra.SQLite
	if infra.AppConfig.Billing.Store == infra.DeductionStoreSQLite {
		var err error
		sqliteDB, err = infra.NewSQLite(infra.SQLiteConfig{
			Path:          infra.AppConfig.SQLite.Path,
			BusyTimeoutMs: infra.AppConfig.SQLite.BusyTimeoutMs,
		})
		if err != nil {
			return nil, fmt.Errorf("SQLite初始化失敗: %w", err)
		}
	}

	mongoDB, err := infra.NewMongoDB(infra.MongoConfig{
		URI:      infra.AppConfig.MongoDB.URI,
		Database: infra.AppConfig.MongoDB.Database,
	})
	if err != nil {
		if sqliteDB != nil {
			sqliteDB.Close()
		}
		return nil, fmt.Errorf("MongoDB初始化失敗: %w", err)
	}

	redisClient, err := infra.NewRedis(infra.RedisConfig{
		Addr:     infra.AppConfig.Redis.Addr,
		Password: infra.AppConfig.Redis.Password,
		DB:       infra.AppConfig.Redis.DB,
	})
	if err != nil {
		log.Error().
			Err(err).
			Msg("Redis連接失敗 (繼續運行，限流統計改用記憶體)")
		redisClient = nil
	}

	rabbitMQ, err := infra.NewRabbitMQ(infra.RabbitMQConfig{
		URL: infra.AppConfig.RabbitMQ.URL,
	})
	if err != nil {
		log.Error().
			Err(err).
			Msg("RabbitMQ連接失敗 (繼續運行)")
		rabbitMQ = nil
	}

	return &AppServices{
		SQLite:   sqliteDB,
		MongoDB:  mongoDB,
		Redis:    redisClient,
		RabbitMQ: rabbitMQ,
	}, nil
}

func cleanupServices(services *AppServices) {
	if services.SQLite != nil {
		if err := services.SQLite.Close(); err != nil {
			log.Error().
				Err(err).
				Msg("SQLite關閉錯誤")
		}
	}

	if services.MongoDB != nil {
		if err := services.MongoDB.Close(context.Background()); err != nil {
			log.Error().
				Err(err).
				Msg("MongoDB關閉錯誤")
		}
	}

	if services.Redis != nil {
		if err := services.Redis.Close(); err != nil {
			log.Error().
				Err(err).
				Msg("Redis關閉錯誤")
		}
	}

	if services.RabbitMQ != nil {
		if err := services.RabbitMQ.Close(); err != nil {
			log.Error().
				Err(err).
				Msg("RabbitMQ關閉錯誤")
		}
	}
}
