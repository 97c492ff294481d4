package assignment

import (
	"time"

	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
)

// Status 派单状态枚举（持久化为字符串）。
type Status string

const (
	StatusActive     Status = "active"     // 当前生效
	StatusInactive   Status = "inactive"   // 被新派单取代
	StatusTerminated Status = "terminated" // 被显式解除
)

// FeederStatus 收运点派单行状态。
type FeederStatus string

const (
	FeederActive   FeederStatus = "active"
	FeederInactive FeederStatus = "inactive"
)

// DriverAssignment 是 driver_assignments 表的 GORM 模型。
// 只追加：行只会 active→inactive/terminated，从不删除，也从不回到 active。
// Driver/Vehicle 上的镜像字段以这张表的 active 行为准。
type DriverAssignment struct {
	ID string `gorm:"primaryKey;size:36"`

	DriverID       string `gorm:"index;size:36;not null"`
	ContractorID   string `gorm:"index;size:36;not null"`
	VehicleID      string `gorm:"index;size:36;not null"`
	FeederPointIDs string `gorm:"size:1024;not null"` // 逗号分隔

	ShiftType  string `gorm:"size:16;not null;default:'morning'"`
	AssignedBy string `gorm:"size:36;not null"` // 操作管理员
	Status     Status `gorm:"type:varchar(16);index;not null"`

	AssignedAt   time.Time  `gorm:"not null"`
	SupersededAt *time.Time // active→inactive 时间
	TerminatedAt *time.Time // active→terminated 时间

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// FeederPoints 返回派单包含的收运点 ID 切片。
func (a DriverAssignment) FeederPoints() []string {
	return fleet.SplitIDs(a.FeederPointIDs)
}

// FeederPointAssignment 是 feeder_point_assignments 表的 GORM 模型。
// 某司机的 active 行集合必须等于其 active 派单里的收运点集合。
type FeederPointAssignment struct {
	ID            string       `gorm:"primaryKey;size:36"`
	FeederPointID string       `gorm:"index;size:36;not null"`
	DriverID      string       `gorm:"index;size:36;not null"`
	ContractorID  string       `gorm:"index;size:36;not null"`
	Status        FeederStatus `gorm:"type:varchar(16);index;not null"`
	CreatedAt     time.Time    `gorm:"autoCreateTime"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime"`
}

// DailyAssignmentSnapshot 是 daily_assignment_snapshots 表的 GORM 模型。
// 每个 (driver, date) 至多一行；由 Reconciler 整体删除重建，保留历史日期。
type DailyAssignmentSnapshot struct {
	ID string `gorm:"primaryKey;size:36"`

	DriverID     string `gorm:"size:36;not null;uniqueIndex:idx_snapshot_driver_date"`
	SnapshotDate string `gorm:"size:10;not null;uniqueIndex:idx_snapshot_driver_date"` // YYYY-MM-DD

	ContractorID   string `gorm:"index;size:36;not null"`
	VehicleID      string `gorm:"size:36;not null"`
	FeederPointIDs string `gorm:"size:1024;not null"`
	ShiftType      string `gorm:"size:16;not null"`
	Status         Status `gorm:"type:varchar(16);not null"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// DefaultShiftType 未指定班次时的默认值。
const DefaultShiftType = "morning"

// DateLayout 快照日期格式。
const DateLayout = "2006-01-02"
