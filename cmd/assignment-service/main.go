package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/assignment"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/config"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/db"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/middleware"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/server"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/tracing"
	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/opentracing/opentracing-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "配置文件路径")
	consulKey := flag.String("consul-config-key", "", "从 Consul KV 读取配置的 key（优先于 -config）")
	consulHost := flag.String("consul-host", "localhost", "Consul 地址（配合 -consul-config-key）")
	consulPort := flag.Int("consul-port", 8500, "Consul 端口（配合 -consul-config-key）")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *consulKey != "" {
		cfg, err = config.LoadConfigFromConsulKV(*consulHost, *consulPort, *consulKey)
	} else {
		cfg, err = config.LoadConfig(*configPath)
	}
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.Path)
	if err != nil {
		logrus.Fatalf("Failed to init logger: %v", err)
	}

	tracer, closer, err := tracing.InitTracer(cfg.Server.Name, cfg.Jaeger.Endpoint, cfg.Jaeger.Sampler)
	if err != nil {
		log.Warnf("Failed to init tracer: %v", err)
	} else {
		opentracing.SetGlobalTracer(tracer)
		defer func() { _ = closer.Close() }()
	}

	gormDB, err := db.NewMySQL(
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password, cfg.Database.Database,
		cfg.Database.MaxIdle, cfg.Database.MaxOpen,
	)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := gormDB.AutoMigrate(
		&fleet.Driver{}, &fleet.Contractor{}, &fleet.Vehicle{}, &fleet.FeederPoint{},
		&assignment.DriverAssignment{}, &assignment.FeederPointAssignment{}, &assignment.DailyAssignmentSnapshot{},
	); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Redis 可选：host 留空则事件只在本实例内扇出
	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warnf("Redis unreachable, cross-instance events disabled: %v", err)
			rdb = nil
		}
		cancel()
	}

	svc := assignment.NewService(gormDB, rdb, cfg.Auth, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	tokenAuth := server.NewTokenAuth(cfg.Auth)
	assignHTTP := assignment.NewHTTPServer(svc, log)
	fleetHTTP := fleet.NewHTTPServer(gormDB)
	mutationLimiter := middleware.NewTokenBucket(200, 100)

	register := func(r chi.Router) {
		r.Route("/api", func(r chi.Router) {
			r.Use(
				jwtauth.Verifier(tokenAuth),
				server.PrincipalCtx(cfg.Auth),
				server.RequireAuth(cfg.Auth),
				middleware.RateLimit(mutationLimiter),
			)

			assignHTTP.Routes(r)

			// 实体管理只开放给 admin
			r.Group(func(r chi.Router) {
				r.Use(server.RequireAdmin(cfg.Auth))
				fleetHTTP.Routes(r)
			})
		})
	}

	if err := server.RunHTTPServer(cfg, log, register, server.WithShutdownTimeout(10*time.Second)); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}
