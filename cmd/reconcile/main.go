package main

import (
	"context"
	"flag"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/assignment"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/config"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/db"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/sirupsen/logrus"
)

// 每日快照对账批处理：定时任务（cron）调用，也可手工执行补数。
func main() {
	configPath := flag.String("config", "configs/config.json", "配置文件路径")
	date := flag.String("date", "", "对账日期 YYYY-MM-DD（默认今天）")
	driverID := flag.String("driver", "", "只对账指定司机（默认全量）")
	timeout := flag.Duration("timeout", 5*time.Minute, "执行超时")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.Path)
	if err != nil {
		logrus.Fatalf("Failed to init logger: %v", err)
	}

	gormDB, err := db.NewMySQL(
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password, cfg.Database.Database,
		cfg.Database.MaxIdle, cfg.Database.MaxOpen,
	)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	r := assignment.NewReconciler(gormDB, log)
	day := *date
	if day == "" {
		day = r.Today()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *driverID != "" {
		if err := r.ReconcileDriverForDate(ctx, *driverID, day); err != nil {
			log.Fatalf("Reconcile driver %s for %s failed: %v", *driverID, day, err)
		}
		log.Infof("Reconciled driver %s for %s", *driverID, day)
		return
	}

	count, err := r.ReconcileForDate(ctx, day)
	if err != nil {
		log.Fatalf("Reconcile for %s failed after %d snapshots: %v", day, count, err)
	}
	log.Infof("Reconcile for %s done, %d snapshots rebuilt", day, count)
}
