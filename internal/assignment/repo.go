package assignment

import (
	"context"
	"fmt"

	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) withCtx(ctx context.Context) *gorm.DB {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.WithContext(ctx)
}

// WithTx 返回绑定到指定事务的 Repo。
func (r *Repo) WithTx(tx *gorm.DB) *Repo {
	return &Repo{db: tx}
}

func (r *Repo) Create(ctx context.Context, a *DriverAssignment) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Create(a).Error
}

func (r *Repo) Update(ctx context.Context, a *DriverAssignment) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(a).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*DriverAssignment, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var a DriverAssignment
	if err := db.Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActiveByDriver 返回某司机全部 active 派单行。
// 正常情况下至多一条；多于一条说明不变量已破坏，由调用方决定报错或修复。
func (r *Repo) ListActiveByDriver(ctx context.Context, driverID string) ([]DriverAssignment, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var rows []DriverAssignment
	if err := db.Where("driver_id = ? AND status = ?", driverID, StatusActive).
		Order("assigned_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FindActiveByDriver 返回某司机的唯一 active 派单；没有则返回 (nil, nil)。
// 发现多条 active 时返回 IntegrityViolation。
func (r *Repo) FindActiveByDriver(ctx context.Context, driverID string) (*DriverAssignment, error) {
	rows, err := r.ListActiveByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		a := rows[0]
		return &a, nil
	default:
		return nil, &IntegrityViolation{
			DriverID: driverID,
			Detail:   fmt.Sprintf("found %d active assignments, expected at most 1", len(rows)),
		}
	}
}

// ListAllActive 返回全部 active 派单（Reconciler 全量扫描用）。
func (r *Repo) ListAllActive(ctx context.Context) ([]DriverAssignment, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var rows []DriverAssignment
	if err := db.Where("status = ?", StatusActive).
		Order("driver_id, assigned_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListByDriver 按司机查询派单历史（只追加表，含 inactive/terminated）。
func (r *Repo) ListByDriver(ctx context.Context, driverID string, offset, limit int) ([]DriverAssignment, int64, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, 0, fmt.Errorf("repo db is nil")
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	q := db.Model(&DriverAssignment{}).Where("driver_id = ?", driverID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []DriverAssignment
	if err := q.Order("assigned_at DESC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// UpdateDriverMirrorsCAS 按乐观版本号更新司机镜像字段。
// WHERE 条件带上读取时的版本号；没命中说明有并发提交，返回 ErrConflict。
func (r *Repo) UpdateDriverMirrorsCAS(ctx context.Context, d *fleet.Driver, expectedVersion int64) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	res := db.Model(&fleet.Driver{}).
		Where("id = ? AND assignment_version = ?", d.ID, expectedVersion).
		Updates(map[string]interface{}{
			"contractor_id":             d.ContractorID,
			"assigned_vehicle_id":       d.AssignedVehicleID,
			"assigned_feeder_point_ids": d.AssignedFeederPointIDs,
			"assignment_version":        expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	d.AssignmentVersion = expectedVersion + 1
	return nil
}

// DeactivateFeederRows 将某司机全部 active 收运点行置为 inactive。
func (r *Repo) DeactivateFeederRows(ctx context.Context, driverID string) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Model(&FeederPointAssignment{}).
		Where("driver_id = ? AND status = ?", driverID, FeederActive).
		Update("status", FeederInactive).Error
}

// CreateFeederRows 为新派单批量创建 active 收运点行。
func (r *Repo) CreateFeederRows(ctx context.Context, rows []FeederPointAssignment) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	if len(rows) == 0 {
		return nil
	}
	return db.Create(&rows).Error
}

// ListActiveFeederRows 返回某司机全部 active 收运点行。
func (r *Repo) ListActiveFeederRows(ctx context.Context, driverID string) ([]FeederPointAssignment, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var rows []FeederPointAssignment
	if err := db.Where("driver_id = ? AND status = ?", driverID, FeederActive).
		Order("feeder_point_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteSnapshots 删除某司机在指定日期的全部快照行（Reconciler 删除重建用）。
func (r *Repo) DeleteSnapshots(ctx context.Context, driverID, date string) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Where("driver_id = ? AND snapshot_date = ?", driverID, date).
		Delete(&DailyAssignmentSnapshot{}).Error
}

// CreateSnapshot 创建快照行。
func (r *Repo) CreateSnapshot(ctx context.Context, s *DailyAssignmentSnapshot) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Create(s).Error
}

// FindSnapshot 返回 (driver, date) 的快照；不存在返回 (nil, nil)。
func (r *Repo) FindSnapshot(ctx context.Context, driverID, date string) (*DailyAssignmentSnapshot, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var s DailyAssignmentSnapshot
	err := db.Where("driver_id = ? AND snapshot_date = ?", driverID, date).First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSnapshotsByDate 返回某日期全部快照。
func (r *Repo) ListSnapshotsByDate(ctx context.Context, date string) ([]DailyAssignmentSnapshot, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var rows []DailyAssignmentSnapshot
	if err := db.Where("snapshot_date = ?", date).Order("driver_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
