package assignment

import (
	"context"
	"strings"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// snapshotNamespace 用于生成确定性的快照 ID：同一 (driver, date) 反复重建得到同一行。
var snapshotNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// SnapshotID 返回 (driver, date) 的确定性快照 ID。
func SnapshotID(driverID, date string) string {
	return uuid.NewSHA1(snapshotNamespace, []byte(driverID+"|"+date)).String()
}

// Reconciler 从规范派单行推导/修复每日作业视图。
// 实现是删除重建而非原地 upsert：同一日期重复执行结果幂等，
// 也能覆盖掉此前的脏数据。历史日期的快照保留不动。
type Reconciler struct {
	db        *gorm.DB
	repo      *Repo
	fleetRepo *fleet.Repo
	log       logger.Logger
	now       func() time.Time
}

func NewReconciler(db *gorm.DB, log logger.Logger) *Reconciler {
	return &Reconciler{
		db:        db,
		repo:      NewRepo(db),
		fleetRepo: fleet.NewRepo(db),
		log:       log,
		now:       time.Now,
	}
}

// Today 返回当前日期（快照格式）。
func (r *Reconciler) Today() string {
	return r.now().Format(DateLayout)
}

// ReconcileForDate 为指定日期重建全部快照：
// 每个有 active 派单的司机恰好一行，内容镜像其当前 active 派单。
// 返回重建的快照数量。发现某司机有多条 active 行时先走修复路径再建快照。
func (r *Reconciler) ReconcileForDate(ctx context.Context, date string) (int, error) {
	date = strings.TrimSpace(date)
	if _, err := time.Parse(DateLayout, date); err != nil {
		return 0, newValidationError(CodeInvalidArgument, "invalid date %q, want YYYY-MM-DD", date)
	}

	rows, err := r.repo.ListAllActive(ctx)
	if err != nil {
		return 0, err
	}

	// 按司机分组；多条 active 即不变量破坏，修复后重读
	byDriver := make(map[string][]DriverAssignment)
	order := make([]string, 0, len(rows))
	for _, a := range rows {
		if _, ok := byDriver[a.DriverID]; !ok {
			order = append(order, a.DriverID)
		}
		byDriver[a.DriverID] = append(byDriver[a.DriverID], a)
	}

	count := 0
	for _, driverID := range order {
		actives := byDriver[driverID]
		if len(actives) > 1 {
			if err := r.RepairDriver(ctx, driverID); err != nil {
				return count, err
			}
			survivor, err := r.repo.FindActiveByDriver(ctx, driverID)
			if err != nil {
				return count, err
			}
			if survivor == nil {
				continue
			}
			actives = []DriverAssignment{*survivor}
		}
		if err := r.rebuildSnapshot(ctx, &actives[0], date); err != nil {
			return count, err
		}
		count++
	}

	if r.log != nil {
		r.log.Infof("reconciled %d daily snapshots for %s", count, date)
	}
	return count, nil
}

// ReconcileDriverForDate 重建单个司机在指定日期的快照。
// 司机没有 active 派单时删除该日期下的快照行（保证至多一行且与规范一致）。
// 协调器在每次派单变更提交后对“今天”调用它。
func (r *Reconciler) ReconcileDriverForDate(ctx context.Context, driverID, date string) error {
	driverID = strings.TrimSpace(driverID)
	date = strings.TrimSpace(date)
	if driverID == "" {
		return newValidationError(CodeInvalidArgument, "driver_id required")
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return newValidationError(CodeInvalidArgument, "invalid date %q, want YYYY-MM-DD", date)
	}

	active, err := r.repo.FindActiveByDriver(ctx, driverID)
	if IsIntegrityViolation(err) {
		if r.log != nil {
			r.log.Errorf("duplicate active assignments for driver %s, repairing: %v", driverID, err)
		}
		if repairErr := r.RepairDriver(ctx, driverID); repairErr != nil {
			return repairErr
		}
		active, err = r.repo.FindActiveByDriver(ctx, driverID)
	}
	if err != nil {
		return err
	}

	if active == nil {
		return r.repo.DeleteSnapshots(ctx, driverID, date)
	}
	return r.rebuildSnapshot(ctx, active, date)
}

// rebuildSnapshot 在单事务内重建 (driver, date) 快照。
// 已有行内容未变时不做任何写入（连时间戳都不动），重复对账后快照逐字节不变；
// 有差异才删除重建。
func (r *Reconciler) rebuildSnapshot(ctx context.Context, active *DriverAssignment, date string) error {
	want := &DailyAssignmentSnapshot{
		ID:             SnapshotID(active.DriverID, date),
		DriverID:       active.DriverID,
		SnapshotDate:   date,
		ContractorID:   active.ContractorID,
		VehicleID:      active.VehicleID,
		FeederPointIDs: active.FeederPointIDs,
		ShiftType:      active.ShiftType,
		Status:         StatusActive,
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := r.repo.WithTx(tx)
		existing, err := txRepo.FindSnapshot(ctx, active.DriverID, date)
		if err != nil {
			return err
		}
		if existing != nil && snapshotContentEqual(existing, want) {
			return nil
		}
		if err := txRepo.DeleteSnapshots(ctx, active.DriverID, date); err != nil {
			return err
		}
		return txRepo.CreateSnapshot(ctx, want)
	})
}

func snapshotContentEqual(a, b *DailyAssignmentSnapshot) bool {
	return a.ID == b.ID &&
		a.ContractorID == b.ContractorID &&
		a.VehicleID == b.VehicleID &&
		a.FeederPointIDs == b.FeederPointIDs &&
		a.ShiftType == b.ShiftType &&
		a.Status == b.Status
}

// RepairDriver 修复某司机的“多条 active 派单”不变量破坏：
// 保留 assigned_at 最新的一条，其余置为 inactive，并按幸存行重建
// Driver/Vehicle 镜像与收运点行。全程记录 error 级日志——修复必须对运维可见，
// 绝不静默覆盖。
func (r *Reconciler) RepairDriver(ctx context.Context, driverID string) error {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return newValidationError(CodeInvalidArgument, "driver_id required")
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := r.repo.WithTx(tx)
		txFleet := r.fleetRepo.WithTx(tx)

		rows, err := txRepo.ListActiveByDriver(ctx, driverID)
		if err != nil {
			return err
		}
		if len(rows) <= 1 {
			return nil
		}

		// ListActiveByDriver 按 assigned_at DESC 排序，第一条即幸存行
		survivor := rows[0]
		now := r.now()
		for i := 1; i < len(rows); i++ {
			loser := rows[i]
			if err := ApplyTransition(&loser, StatusInactive, now); err != nil {
				return err
			}
			if err := txRepo.Update(ctx, &loser); err != nil {
				return err
			}
			// 败者占用的车辆一并释放，否则它会一直挂在该司机名下不可再派
			if loser.VehicleID != "" && loser.VehicleID != survivor.VehicleID {
				if err := releaseVehicle(ctx, txFleet, loser.VehicleID); err != nil {
					return err
				}
			}
			if r.log != nil {
				r.log.Errorf("integrity violation: driver %s had concurrent active assignment %s (contractor %s), superseded by %s",
					driverID, loser.ID, loser.ContractorID, survivor.ID)
			}
		}

		drv, err := txFleet.FindDriver(ctx, driverID)
		if fleet.IsNotFound(err) {
			return &IntegrityViolation{DriverID: driverID, Detail: "active assignments exist but driver record is missing"}
		}
		if err != nil {
			return err
		}

		drv.ContractorID = survivor.ContractorID
		drv.AssignedVehicleID = survivor.VehicleID
		drv.AssignedFeederPointIDs = survivor.FeederPointIDs
		if err := txRepo.UpdateDriverMirrorsCAS(ctx, drv, drv.AssignmentVersion); err != nil {
			return err
		}

		vehicle, err := txFleet.FindVehicle(ctx, survivor.VehicleID)
		if err != nil && !fleet.IsNotFound(err) {
			return err
		}
		if vehicle != nil {
			vehicle.DriverID = driverID
			vehicle.Status = fleet.VehicleAssigned
			if err := txFleet.SaveVehicle(ctx, vehicle); err != nil {
				return err
			}
		}

		if err := txRepo.DeactivateFeederRows(ctx, driverID); err != nil {
			return err
		}
		feederIDs := survivor.FeederPoints()
		feederRows := make([]FeederPointAssignment, 0, len(feederIDs))
		for _, fpID := range feederIDs {
			feederRows = append(feederRows, FeederPointAssignment{
				ID:            uuid.NewString(),
				FeederPointID: fpID,
				DriverID:      driverID,
				ContractorID:  survivor.ContractorID,
				Status:        FeederActive,
			})
		}
		if err := txRepo.CreateFeederRows(ctx, feederRows); err != nil {
			return err
		}

		if r.log != nil {
			r.log.Errorf("repaired driver %s: kept assignment %s (contractor %s), superseded %d row(s)",
				driverID, survivor.ID, survivor.ContractorID, len(rows)-1)
		}
		return nil
	})
}
