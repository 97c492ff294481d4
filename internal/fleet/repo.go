package fleet

import (
	"context"
	"errors"
	"fmt"

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

// WithTx 返回绑定到指定事务的 Repo（派单事务内读写镜像字段用）。
func (r *Repo) WithTx(tx *gorm.DB) *Repo {
	return &Repo{db: tx}
}

func (r *Repo) SaveDriver(ctx context.Context, d *Driver) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(d).Error
}

func (r *Repo) FindDriver(ctx context.Context, id string) (*Driver, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var d Driver
	if err := db.Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) ListDrivers(ctx context.Context, contractorID string, offset, limit int) ([]Driver, int64, error) {
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

	q := db.Model(&Driver{})
	if contractorID != "" {
		q = q.Where("contractor_id = ?", contractorID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var drivers []Driver
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&drivers).Error; err != nil {
		return nil, 0, err
	}
	return drivers, total, nil
}

func (r *Repo) SaveContractor(ctx context.Context, c *Contractor) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(c).Error
}

func (r *Repo) FindContractor(ctx context.Context, id string) (*Contractor, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var c Contractor
	if err := db.Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListContractors(ctx context.Context, offset, limit int) ([]Contractor, int64, error) {
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
	var total int64
	if err := db.Model(&Contractor{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var contractors []Contractor
	if err := db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&contractors).Error; err != nil {
		return nil, 0, err
	}
	return contractors, total, nil
}

func (r *Repo) SaveVehicle(ctx context.Context, v *Vehicle) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(v).Error
}

func (r *Repo) FindVehicle(ctx context.Context, id string) (*Vehicle, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var v Vehicle
	if err := db.Where("id = ?", id).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Repo) ListVehicles(ctx context.Context, contractorID string, offset, limit int) ([]Vehicle, int64, error) {
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
	q := db.Model(&Vehicle{})
	if contractorID != "" {
		q = q.Where("contractor_id = ?", contractorID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var vehicles []Vehicle
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&vehicles).Error; err != nil {
		return nil, 0, err
	}
	return vehicles, total, nil
}

func (r *Repo) SaveFeederPoint(ctx context.Context, fp *FeederPoint) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(fp).Error
}

func (r *Repo) FindFeederPoint(ctx context.Context, id string) (*FeederPoint, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var fp FeederPoint
	if err := db.Where("id = ?", id).First(&fp).Error; err != nil {
		return nil, err
	}
	return &fp, nil
}

func (r *Repo) ListFeederPoints(ctx context.Context, ward string, offset, limit int) ([]FeederPoint, int64, error) {
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
	q := db.Model(&FeederPoint{})
	if ward != "" {
		q = q.Where("ward = ?", ward)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var fps []FeederPoint
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&fps).Error; err != nil {
		return nil, 0, err
	}
	return fps, total, nil
}

// ResolveKind 判断 ID 指向的实体类别。
// 校验器用它区分“不存在”（NotFound）和“存在但类别不符”（WrongRole）。
func (r *Repo) ResolveKind(ctx context.Context, id string) (EntityKind, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return KindUnknown, fmt.Errorf("repo db is nil")
	}
	if id == "" {
		return KindUnknown, nil
	}

	probes := []struct {
		kind  EntityKind
		model interface{}
	}{
		{KindDriver, &Driver{}},
		{KindContractor, &Contractor{}},
		{KindVehicle, &Vehicle{}},
		{KindFeederPoint, &FeederPoint{}},
	}
	for _, p := range probes {
		var count int64
		if err := db.Model(p.model).Where("id = ?", id).Count(&count).Error; err != nil {
			return KindUnknown, err
		}
		if count > 0 {
			return p.kind, nil
		}
	}
	return KindUnknown, nil
}

// IsNotFound 判断是否为记录不存在错误。
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
