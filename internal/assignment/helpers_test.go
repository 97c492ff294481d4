package assignment

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/auth"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/config"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&fleet.Driver{}, &fleet.Contractor{}, &fleet.Vehicle{}, &fleet.FeederPoint{},
		&DriverAssignment{}, &FeederPointAssignment{}, &DailyAssignmentSnapshot{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// seedFleet 构造一套最小车队数据：一名司机、两家承包商、两辆车、三个收运点。
func seedFleet(t *testing.T, db *gorm.DB) {
	t.Helper()
	ctx := context.Background()
	repo := fleet.NewRepo(db)

	if err := repo.SaveDriver(ctx, &fleet.Driver{ID: "d-1", Name: "Ravi", Active: true}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	for _, c := range []fleet.Contractor{
		{ID: "c-1", Name: "GreenCity Services"},
		{ID: "c-2", Name: "UrbanWaste Ltd"},
	} {
		c := c
		if err := repo.SaveContractor(ctx, &c); err != nil {
			t.Fatalf("seed contractor: %v", err)
		}
	}
	for _, v := range []fleet.Vehicle{
		{ID: "v-1", Number: "KA-01-1234", ContractorID: "c-1", Status: fleet.VehicleAvailable},
		{ID: "v-2", Number: "KA-01-5678", ContractorID: "c-2", Status: fleet.VehicleAvailable},
	} {
		v := v
		if err := repo.SaveVehicle(ctx, &v); err != nil {
			t.Fatalf("seed vehicle: %v", err)
		}
	}
	for _, fp := range []fleet.FeederPoint{
		{ID: "fp-1", Name: "Market Road", Ward: "W-12"},
		{ID: "fp-2", Name: "Station Circle", Ward: "W-12"},
		{ID: "fp-3", Name: "Lake View", Ward: "W-14"},
	} {
		fp := fp
		if err := repo.SaveFeederPoint(ctx, &fp); err != nil {
			t.Fatalf("seed feeder point: %v", err)
		}
	}
}

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{AdminRole: "admin"}
}

func adminPrincipal() auth.Principal {
	return auth.Principal{Subject: "admin-1", Roles: []string{"admin"}}
}

func newTestCoordinator(db *gorm.DB) *Coordinator {
	c := NewCoordinator(db, logger.Nop())
	c.backoff = time.Millisecond
	return c
}

func mustAssign(t *testing.T, c *Coordinator, in AssignInput) *DriverAssignment {
	t.Helper()
	a, err := c.Assign(context.Background(), in)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return a
}
