package assignment

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 100 * time.Millisecond
)

// Coordinator 以单个数据库事务执行多实体派单变更：
// 规范行（driver_assignments）与全部镜像字段（Driver/Vehicle/收运点行）要么全部落库，
// 要么全部回滚，任何读者都看不到中间状态。
//
// 并发控制用乐观版本号：镜像更新的 WHERE 条件带上读取时的 assignment_version，
// 没命中即返回 ErrConflict 并回滚整个事务，由调用方重读后重试。
type Coordinator struct {
	db         *gorm.DB
	repo       *Repo
	fleetRepo  *fleet.Repo
	log        logger.Logger
	now        func() time.Time
	maxRetries int
	backoff    time.Duration
}

func NewCoordinator(db *gorm.DB, log logger.Logger) *Coordinator {
	return &Coordinator{
		db:         db,
		repo:       NewRepo(db),
		fleetRepo:  fleet.NewRepo(db),
		log:        log,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
}

// AssignInput 派单入参。
type AssignInput struct {
	DriverID       string
	ContractorID   string
	VehicleID      string
	FeederPointIDs []string
	ShiftType      string
	AssignedBy     string

	// ExpectedVersion 校验阶段读到的司机派单版本号。
	// 非 nil 时镜像 CAS 以它为条件，校验到提交之间的任何并发变更都会让
	// 整个事务以 ErrConflict 回滚；nil 表示以事务内读到的版本为准。
	ExpectedVersion *int64
}

// Assign 为司机创建新的 active 派单。
// 前置条件：Validator 已通过；收运点非空；车辆未被其他司机占用。
// 效果（单事务）：已有 active 派单置为 inactive（被取代）；插入新 active 行；
// 更新 Driver 镜像（带版本 CAS）；车辆绑定司机；收运点行整体替换。
func (c *Coordinator) Assign(ctx context.Context, in AssignInput) (*DriverAssignment, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.Assign")
	defer span.Finish()

	in.DriverID = strings.TrimSpace(in.DriverID)
	in.ContractorID = strings.TrimSpace(in.ContractorID)
	in.VehicleID = strings.TrimSpace(in.VehicleID)
	if in.DriverID == "" || in.ContractorID == "" {
		return nil, newValidationError(CodeInvalidArgument, "driver_id and contractor_id required")
	}
	if in.VehicleID == "" {
		return nil, newValidationError(CodeInvalidArgument, "vehicle_id required")
	}
	feederIDs := dedupe(in.FeederPointIDs)
	if len(feederIDs) == 0 {
		return nil, newValidationError(CodeInvalidArgument, "feeder_point_ids must be non-empty")
	}
	if in.ShiftType == "" {
		in.ShiftType = DefaultShiftType
	}

	var created *DriverAssignment
	err := c.runTx(ctx, func(tx *gorm.DB) error {
		txRepo := c.repo.WithTx(tx)
		txFleet := c.fleetRepo.WithTx(tx)

		drv, err := txFleet.FindDriver(ctx, in.DriverID)
		if fleet.IsNotFound(err) {
			return newValidationError(CodeNotFound, "driver %s not found", in.DriverID)
		}
		if err != nil {
			return err
		}
		expectedVersion := drv.AssignmentVersion
		if in.ExpectedVersion != nil {
			expectedVersion = *in.ExpectedVersion
		}

		active, err := txRepo.FindActiveByDriver(ctx, drv.ID)
		if err != nil {
			return err
		}

		vehicle, err := txFleet.FindVehicle(ctx, in.VehicleID)
		if fleet.IsNotFound(err) {
			return newValidationError(CodeNotFound, "vehicle %s not found", in.VehicleID)
		}
		if err != nil {
			return err
		}
		if vehicle.DriverID != "" && vehicle.DriverID != drv.ID {
			return newValidationError(CodeVehicleUnavailable, "vehicle %s is held by driver %s", vehicle.ID, vehicle.DriverID)
		}

		now := c.now()

		// 取代旧派单（同承包商重派/transfer 的 assign 半程才会走到这里）
		if active != nil {
			if err := ApplyTransition(active, StatusInactive, now); err != nil {
				return err
			}
			if err := txRepo.Update(ctx, active); err != nil {
				return err
			}
		}

		na := &DriverAssignment{
			ID:             uuid.NewString(),
			DriverID:       drv.ID,
			ContractorID:   in.ContractorID,
			VehicleID:      vehicle.ID,
			FeederPointIDs: fleet.JoinIDs(feederIDs),
			ShiftType:      in.ShiftType,
			AssignedBy:     strings.TrimSpace(in.AssignedBy),
			Status:         StatusActive,
			AssignedAt:     now,
		}
		if err := txRepo.Create(ctx, na); err != nil {
			return err
		}

		// 释放司机原车辆（换车时）
		if drv.AssignedVehicleID != "" && drv.AssignedVehicleID != vehicle.ID {
			if err := releaseVehicle(ctx, txFleet, drv.AssignedVehicleID); err != nil {
				return err
			}
		}

		vehicle.DriverID = drv.ID
		vehicle.Status = fleet.VehicleAssigned
		if err := txFleet.SaveVehicle(ctx, vehicle); err != nil {
			return err
		}

		if err := txRepo.DeactivateFeederRows(ctx, drv.ID); err != nil {
			return err
		}
		feederRows := make([]FeederPointAssignment, 0, len(feederIDs))
		for _, fpID := range feederIDs {
			feederRows = append(feederRows, FeederPointAssignment{
				ID:            uuid.NewString(),
				FeederPointID: fpID,
				DriverID:      drv.ID,
				ContractorID:  in.ContractorID,
				Status:        FeederActive,
			})
		}
		if err := txRepo.CreateFeederRows(ctx, feederRows); err != nil {
			return err
		}

		// 镜像 CAS 放在最后：版本不符则整个事务回滚
		drv.ContractorID = in.ContractorID
		drv.AssignedVehicleID = vehicle.ID
		drv.AssignedFeederPointIDs = fleet.JoinIDs(feederIDs)
		if err := txRepo.UpdateDriverMirrorsCAS(ctx, drv, expectedVersion); err != nil {
			return err
		}

		created = na
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.log != nil {
		c.log.WithFields(map[string]interface{}{
			"driver_id":     created.DriverID,
			"contractor_id": created.ContractorID,
			"vehicle_id":    created.VehicleID,
			"assigned_by":   created.AssignedBy,
		}).Info("driver assigned")
	}
	return created, nil
}

// Unassign 解除司机当前 active 派单。
// 效果（单事务）：active→terminated；Driver 镜像清空（带版本 CAS）；
// 车辆释放（driver_id 清空、状态 available）；收运点行置为 inactive。
// expectedVersion 语义同 AssignInput.ExpectedVersion。
func (c *Coordinator) Unassign(ctx context.Context, driverID string, expectedVersion *int64) (*DriverAssignment, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.Unassign")
	defer span.Finish()

	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return nil, newValidationError(CodeInvalidArgument, "driver_id required")
	}

	var terminated *DriverAssignment
	err := c.runTx(ctx, func(tx *gorm.DB) error {
		txRepo := c.repo.WithTx(tx)
		txFleet := c.fleetRepo.WithTx(tx)

		drv, err := txFleet.FindDriver(ctx, driverID)
		if fleet.IsNotFound(err) {
			return newValidationError(CodeNotFound, "driver %s not found", driverID)
		}
		if err != nil {
			return err
		}
		casVersion := drv.AssignmentVersion
		if expectedVersion != nil {
			casVersion = *expectedVersion
		}

		active, err := txRepo.FindActiveByDriver(ctx, drv.ID)
		if err != nil {
			return err
		}
		if active == nil {
			return newValidationError(CodeNotFound, "driver %s has no active assignment", drv.ID)
		}

		now := c.now()
		if err := ApplyTransition(active, StatusTerminated, now); err != nil {
			return err
		}
		if err := txRepo.Update(ctx, active); err != nil {
			return err
		}

		if active.VehicleID != "" {
			if err := releaseVehicle(ctx, txFleet, active.VehicleID); err != nil {
				return err
			}
		}

		if err := txRepo.DeactivateFeederRows(ctx, drv.ID); err != nil {
			return err
		}

		drv.ContractorID = ""
		drv.AssignedVehicleID = ""
		drv.AssignedFeederPointIDs = ""
		if err := txRepo.UpdateDriverMirrorsCAS(ctx, drv, casVersion); err != nil {
			return err
		}

		terminated = active
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.log != nil {
		c.log.WithFields(map[string]interface{}{
			"driver_id":     terminated.DriverID,
			"assignment_id": terminated.ID,
		}).Info("driver unassigned")
	}
	return terminated, nil
}

// TransferInput 转派入参。
type TransferInput struct {
	DriverID        string
	NewContractorID string
	VehicleID       string
	FeederPointIDs  []string
	ShiftType       string
	By              string

	// ExpectedVersion 校验阶段读到的版本号，约束第一半（解除）的 CAS。
	// 第二半（重派）以解除事务推进后的版本为准。
	ExpectedVersion *int64
}

// Transfer 转派 = 先 Unassign 再 Assign（两个独立事务）。
// 第二半失败时不回滚第一半：司机停留在未派单状态，记录 warn 日志并把错误包上
// 上下文返回——这是文档化的降级结果，不做静默恢复。
func (c *Coordinator) Transfer(ctx context.Context, in TransferInput) (*DriverAssignment, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.Transfer")
	defer span.Finish()

	prev, err := c.Unassign(ctx, in.DriverID, in.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	na, err := c.Assign(ctx, AssignInput{
		DriverID:       in.DriverID,
		ContractorID:   in.NewContractorID,
		VehicleID:      in.VehicleID,
		FeederPointIDs: in.FeederPointIDs,
		ShiftType:      in.ShiftType,
		AssignedBy:     in.By,
	})
	if err != nil {
		if c.log != nil {
			c.log.WithFields(map[string]interface{}{
				"driver_id":          in.DriverID,
				"from_contractor_id": prev.ContractorID,
				"to_contractor_id":   in.NewContractorID,
			}).Warnf("transfer second half failed, driver left unassigned: %v", err)
		}
		return nil, fmt.Errorf("transfer: driver %s unassigned from %s but assign to %s failed: %w",
			in.DriverID, prev.ContractorID, in.NewContractorID, err)
	}
	return na, nil
}

func releaseVehicle(ctx context.Context, txFleet *fleet.Repo, vehicleID string) error {
	v, err := txFleet.FindVehicle(ctx, vehicleID)
	if fleet.IsNotFound(err) {
		// 车辆记录被删时释放视为完成
		return nil
	}
	if err != nil {
		return err
	}
	v.DriverID = ""
	v.Status = fleet.VehicleAvailable
	return txFleet.SaveVehicle(ctx, v)
}

// runTx 执行事务，存储层瞬时故障按指数退避重试，重试耗尽返回 TransientStoreError。
// 校验错误 / ErrConflict / IntegrityViolation 不重试，直接上抛。
func (c *Coordinator) runTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if c == nil || c.db == nil {
		return fmt.Errorf("coordinator db is nil")
	}

	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := c.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		if c.log != nil {
			c.log.Warnf("transient store error (attempt %d/%d): %v", attempt, c.maxRetries, err)
		}
		if attempt == c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &TransientStoreError{Attempts: c.maxRetries, Err: lastErr}
}

// isTransient 判断是否为可重试的存储层瞬时故障。
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var iv *IntegrityViolation
	if errors.As(err, &ve) || errors.As(err, &iv) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"invalid connection",
		"bad connection",
		"i/o timeout",
		"deadlock",
		"lock wait timeout",
		"try again",
		"database is locked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
