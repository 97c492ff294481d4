package assignment

import (
	"context"
	"strings"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/auth"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/config"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Service 派单引擎的外观：校验 → 原子变更 → 当日快照 → 事件扇出。
// 无全局状态，只持有注入的存储/缓存句柄；构造一次后传给各调用方。
type Service struct {
	db          *gorm.DB
	repo        *Repo
	validator   *Validator
	coordinator *Coordinator
	reconciler  *Reconciler
	notifier    *Notifier
	log         logger.Logger
}

// NewService 创建派单引擎。rdb 可为 nil（不做跨实例事件桥接）。
func NewService(db *gorm.DB, rdb *redis.Client, authCfg config.AuthConfig, log logger.Logger) *Service {
	return &Service{
		db:          db,
		repo:        NewRepo(db),
		validator:   NewValidator(db, authCfg),
		coordinator: NewCoordinator(db, log),
		reconciler:  NewReconciler(db, log),
		notifier:    NewNotifier(rdb, log),
		log:         log,
	}
}

// Run 启动后台的跨实例事件桥接（阻塞直到 ctx 取消）。
func (s *Service) Run(ctx context.Context) {
	s.notifier.Run(ctx)
}

// Notifier 返回事件扇出器（websocket 入口等订阅方用）。
func (s *Service) Notifier() *Notifier {
	return s.notifier
}

// Reconciler 返回快照对账器（批处理入口用）。
func (s *Service) Reconciler() *Reconciler {
	return s.reconciler
}

// Validate 仅校验不变更（dashboard 预检用）。
func (s *Service) Validate(ctx context.Context, driverID, contractorID string, requester auth.Principal) (*ValidationResult, error) {
	return s.validator.Validate(ctx, driverID, contractorID, requester)
}

// Assign 校验并执行派单。校验未通过时返回结论与第一个校验错误，不触达存储写路径。
func (s *Service) Assign(ctx context.Context, in AssignInput, requester auth.Principal) (*DriverAssignment, *ValidationResult, error) {
	res, err := s.validator.Validate(ctx, in.DriverID, in.ContractorID, requester)
	if err != nil {
		return nil, nil, err
	}
	if !res.Valid {
		return nil, res, res.FirstError()
	}

	// 提交以校验时读到的版本为条件：窗口期内有并发变更则返回 ErrConflict
	observed := res.DriverVersion
	in.ExpectedVersion = &observed

	na, err := s.coordinator.Assign(ctx, in)
	if err != nil {
		return nil, res, err
	}

	s.afterMutation(ctx, EventCreated, na)
	return na, res, nil
}

// Unassign 解除司机的 active 派单（admin 专用）。
func (s *Service) Unassign(ctx context.Context, driverID string, requester auth.Principal) (*DriverAssignment, error) {
	if !requester.IsAdmin(s.validator.authCfg) {
		return nil, newValidationError(CodePermissionDenied, "requester %q lacks admin privilege", requester.Subject)
	}

	driverID = strings.TrimSpace(driverID)
	drv, err := s.validator.fleetRepo.FindDriver(ctx, driverID)
	if fleet.IsNotFound(err) {
		return nil, newValidationError(CodeNotFound, "driver %s not found", driverID)
	}
	if err != nil {
		return nil, err
	}

	observed := drv.AssignmentVersion
	terminated, err := s.coordinator.Unassign(ctx, driverID, &observed)
	if err != nil {
		return nil, err
	}

	s.afterMutation(ctx, EventUpdated, terminated)
	return terminated, nil
}

// Transfer 转派到新承包商。司机当前已有派单属预期情况，
// 校验时忽略 DuplicateAssignment，其余校验错误照常拦截。
func (s *Service) Transfer(ctx context.Context, in TransferInput, requester auth.Principal) (*DriverAssignment, *ValidationResult, error) {
	res, err := s.validator.Validate(ctx, in.DriverID, in.NewContractorID, requester)
	if err != nil {
		return nil, nil, err
	}
	blocking := make([]*ValidationError, 0, len(res.Errors))
	for _, ve := range res.Errors {
		if ve.Code != CodeDuplicateAssignment {
			blocking = append(blocking, ve)
		}
	}
	if len(blocking) > 0 {
		res.Errors = blocking
		res.Valid = false
		return nil, res, res.FirstError()
	}

	observed := res.DriverVersion
	in.ExpectedVersion = &observed

	na, err := s.coordinator.Transfer(ctx, in)
	if err != nil {
		return nil, res, err
	}

	s.afterMutation(ctx, EventCreated, na)
	return na, res, nil
}

// afterMutation 提交成功后的收尾：重建当日快照 + 发布变更事件。
// 快照失败不影响已提交的派单（对账器随时可补），记 warn 即可。
func (s *Service) afterMutation(ctx context.Context, typ EventType, a *DriverAssignment) {
	today := s.reconciler.Today()
	if err := s.reconciler.ReconcileDriverForDate(ctx, a.DriverID, today); err != nil && s.log != nil {
		s.log.Warnf("failed to refresh daily snapshot for driver %s: %v", a.DriverID, err)
	}
	s.notifier.Publish(ctx, typ, *a)
}

// ActiveAssignment 返回司机当前 active 派单；没有返回 (nil, nil)。
func (s *Service) ActiveAssignment(ctx context.Context, driverID string) (*DriverAssignment, error) {
	return s.repo.FindActiveByDriver(ctx, strings.TrimSpace(driverID))
}

// History 返回司机的派单历史（只追加表）。
func (s *Service) History(ctx context.Context, driverID string, offset, limit int) ([]DriverAssignment, int64, error) {
	return s.repo.ListByDriver(ctx, strings.TrimSpace(driverID), offset, limit)
}

// Snapshot 返回 (driver, date) 快照；date 为空取今天。
func (s *Service) Snapshot(ctx context.Context, driverID, date string) (*DailyAssignmentSnapshot, error) {
	if strings.TrimSpace(date) == "" {
		date = s.reconciler.Today()
	}
	return s.repo.FindSnapshot(ctx, strings.TrimSpace(driverID), date)
}

// SnapshotsByDate 返回某日期全部快照（dashboard 列表用）。
func (s *Service) SnapshotsByDate(ctx context.Context, date string) ([]DailyAssignmentSnapshot, error) {
	if strings.TrimSpace(date) == "" {
		date = s.reconciler.Today()
	}
	return s.repo.ListSnapshotsByDate(ctx, date)
}

// ReconcileForDate 对指定日期做全量对账/回填（批处理与修复入口）。
func (s *Service) ReconcileForDate(ctx context.Context, date string) (int, error) {
	return s.reconciler.ReconcileForDate(ctx, date)
}
