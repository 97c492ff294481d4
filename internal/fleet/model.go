package fleet

import (
	"strings"
	"time"
)

// VehicleStatus 车辆状态枚举（持久化为字符串）。
type VehicleStatus string

const (
	VehicleAvailable VehicleStatus = "available" // 空闲，可分配
	VehicleAssigned  VehicleStatus = "assigned"  // 已绑定司机
)

// EntityKind 实体类别（NotFound / WrongRole 判定用）。
type EntityKind string

const (
	KindDriver      EntityKind = "driver"
	KindContractor  EntityKind = "contractor"
	KindVehicle     EntityKind = "vehicle"
	KindFeederPoint EntityKind = "feeder_point"
	KindUnknown     EntityKind = ""
)

// Driver 是 drivers 表的 GORM 模型。
// ContractorID / AssignedVehicleID / AssignedFeederPointIDs 是当前生效派单的镜像字段，
// 只允许在派单事务内与 driver_assignments 一起变更。
type Driver struct {
	ID    string `gorm:"primaryKey;size:36"`
	Name  string `gorm:"size:64;not null"`
	Phone string `gorm:"size:32"`

	ContractorID           string `gorm:"index;size:36"` // 镜像：当前承包商
	AssignedVehicleID      string `gorm:"size:36"`       // 镜像：当前车辆
	AssignedFeederPointIDs string `gorm:"size:1024"`     // 镜像：逗号分隔的收运点 ID 列表

	Active bool `gorm:"not null;default:true"`

	// 派单指针版本号，乐观并发控制用：每次派单/解除派单 +1。
	AssignmentVersion int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// FeederPointIDs 返回镜像字段中的收运点 ID 切片。
func (d Driver) FeederPointIDs() []string {
	return SplitIDs(d.AssignedFeederPointIDs)
}

// Contractor 是 contractors 表的 GORM 模型。
type Contractor struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Name      string    `gorm:"size:128;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Vehicle 是 vehicles 表的 GORM 模型。
// DriverID / ContractorID 为镜像字段，与 driver_assignments 同事务维护。
type Vehicle struct {
	ID           string        `gorm:"primaryKey;size:36"`
	Number       string        `gorm:"uniqueIndex;size:32;not null"` // 车牌/编号
	ContractorID string        `gorm:"index;size:36"`
	DriverID     string        `gorm:"index;size:36"`
	Status       VehicleStatus `gorm:"type:varchar(16);not null;default:'available'"`
	CreatedAt    time.Time     `gorm:"autoCreateTime"`
	UpdatedAt    time.Time     `gorm:"autoUpdateTime"`
}

// FeederPoint 是 feeder_points 表的 GORM 模型（垃圾收运点）。
type FeederPoint struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Name      string    `gorm:"size:128;not null"`
	Area      string    `gorm:"size:64"`
	Ward      string    `gorm:"index;size:32"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// SplitIDs 拆分逗号分隔的 ID 列表（忽略空段）。
func SplitIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// JoinIDs 拼接 ID 列表为逗号分隔字符串。
func JoinIDs(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	return strings.Join(out, ",")
}
