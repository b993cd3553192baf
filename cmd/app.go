package main

import (
	"fmt"

	"mlm_service/internal/bonus"
	"mlm_service/internal/compensation"
	"mlm_service/internal/config"
	"mlm_service/internal/database"
	"mlm_service/internal/event"
	"mlm_service/internal/logging"
	"mlm_service/internal/network"
	"mlm_service/internal/order"
	"mlm_service/internal/points"
	"mlm_service/internal/progression"
	"mlm_service/internal/wallet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// app holds the wired services for one process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	hub      *event.Hub
	plan     *compensation.Plan

	network *network.Service
	tracker *progression.Tracker
	engine  *bonus.Engine
	orders  *order.RepositoryImpl
	wallets *wallet.Service
}

func allModels() []any {
	var models []any
	for _, m := range [][]any{
		network.Models(),
		points.Models(),
		progression.Models(),
		wallet.Models(),
		order.Models(),
		bonus.Models(),
	} {
		models = append(models, m...)
	}
	return models
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
}

func openDB(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(cfg.DBDriver, cfg.DBConnStr,
		logging.NewGormLogger(logger, gormlogger.Warn, cfg.DBSlowQuery))
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	plan, err := compensation.LoadPlan(cfg.PlanFile)
	if err != nil {
		return nil, err
	}
	db, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := event.NewHub(logger, reg)
	for _, topic := range []event.Topic{
		event.TopicMemberRegistered,
		event.TopicBonusRunFinished,
		event.TopicBonusApproved,
		event.TopicBonusRejected,
	} {
		hub.SubscribeFunc(topic, func(e event.Event) {
			logger.Info("event", zap.String("topic", string(e.Topic)), zap.Any("data", e.Data))
		})
	}

	loc := cfg.Location()
	nodes := network.NewNodeRepository(db)
	pointRepo := points.NewRepository(db)
	wallets := wallet.NewService(db, wallet.NewWalletRepositoryImpl(db), logger)
	orders := order.NewRepository(db, loc, logger)
	tracker := progression.NewTracker(db, plan, logger)
	engine := bonus.NewEngine(db, bonus.NewBonusRepository(db), bonus.Deps{
		Nodes:   nodes,
		Points:  pointRepo,
		Orders:  orders,
		Wallets: wallets,
	}, plan, logger,
		bonus.WithPublisher(hub),
		bonus.WithMetrics(reg),
		bonus.WithLocation(loc),
		bonus.WithWorkers(cfg.RunWorkers),
	)
	svc := network.NewService(db, nodes, pointRepo, plan, logger,
		network.WithProgression(tracker),
		network.WithSponsorBonus(engine),
		network.WithPublisher(hub),
		network.WithMetrics(reg),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: reg,
		hub:      hub,
		plan:     plan,
		network:  svc,
		tracker:  tracker,
		engine:   engine,
		orders:   orders,
		wallets:  wallets,
	}, nil
}

func (a *app) close() {
	a.hub.Close()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}
