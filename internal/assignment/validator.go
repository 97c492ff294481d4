package assignment

import (
	"context"
	"strings"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/auth"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/config"
	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
	"gorm.io/gorm"
)

// ValidationResult 校验结论。Valid=false 时调用方不得继续执行变更。
// DriverVersion 是校验时读到的司机派单版本号：后续变更以它为 CAS 条件，
// 校验到提交之间的并发变更会让提交以 Conflict 失败，而不是静默覆盖。
type ValidationResult struct {
	Valid         bool               `json:"valid"`
	Errors        []*ValidationError `json:"errors"`
	Warnings      []string           `json:"warnings"`
	DriverVersion int64              `json:"driver_version"`
}

func (r *ValidationResult) addError(e *ValidationError) {
	r.Errors = append(r.Errors, e)
}

// FirstError 返回第一个校验错误（没有则为 nil）。
func (r *ValidationResult) FirstError() *ValidationError {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Validator 在变更前检查派单请求是否满足不变量与权限要求。
type Validator struct {
	fleetRepo *fleet.Repo
	repo      *Repo
	authCfg   config.AuthConfig
}

func NewValidator(db *gorm.DB, authCfg config.AuthConfig) *Validator {
	return &Validator{
		fleetRepo: fleet.NewRepo(db),
		repo:      NewRepo(db),
		authCfg:   authCfg,
	}
}

// Validate 校验“把司机 driverID 派给承包商 contractorID”这一请求。
//   - NotFound / WrongRole：ID 不存在，或存在但不是司机/承包商
//   - PermissionDenied：请求者不具备 admin 角色
//   - DuplicateAssignment：司机已有 active 派单且目标承包商不同；
//     目标承包商相同时降级为警告 "already assigned here"
//
// 发现同一司机有多条 active 派单时返回 IntegrityViolation（硬错误，不进结论）。
func (v *Validator) Validate(ctx context.Context, driverID, contractorID string, requester auth.Principal) (*ValidationResult, error) {
	res := &ValidationResult{}

	driverID = strings.TrimSpace(driverID)
	contractorID = strings.TrimSpace(contractorID)
	if driverID == "" {
		res.addError(newValidationError(CodeInvalidArgument, "driver_id required"))
	}
	if contractorID == "" {
		res.addError(newValidationError(CodeInvalidArgument, "contractor_id required"))
	}

	if !requester.IsAdmin(v.authCfg) {
		res.addError(newValidationError(CodePermissionDenied, "requester %q lacks admin privilege", requester.Subject))
	}

	var driver *fleet.Driver
	if driverID != "" {
		d, err := v.fleetRepo.FindDriver(ctx, driverID)
		switch {
		case fleet.IsNotFound(err):
			res.addError(v.resolveMissing(ctx, driverID, fleet.KindDriver))
		case err != nil:
			return nil, err
		default:
			driver = d
			res.DriverVersion = d.AssignmentVersion
		}
	}

	if contractorID != "" {
		_, err := v.fleetRepo.FindContractor(ctx, contractorID)
		switch {
		case fleet.IsNotFound(err):
			res.addError(v.resolveMissing(ctx, contractorID, fleet.KindContractor))
		case err != nil:
			return nil, err
		}
	}

	if driver != nil {
		active, err := v.repo.FindActiveByDriver(ctx, driver.ID)
		if err != nil {
			// IntegrityViolation 或存储错误，都交给上层处理
			return nil, err
		}
		if active != nil {
			if active.ContractorID == contractorID {
				res.Warnings = append(res.Warnings, "already assigned here")
			} else {
				res.addError(newValidationError(CodeDuplicateAssignment,
					"driver %s already has an active assignment with contractor %s", driver.ID, v.contractorName(ctx, active.ContractorID)))
			}
		}
	}

	res.Valid = len(res.Errors) == 0
	return res, nil
}

// resolveMissing 区分 NotFound 与 WrongRole：ID 在别的实体表里存在即为 WrongRole。
func (v *Validator) resolveMissing(ctx context.Context, id string, want fleet.EntityKind) *ValidationError {
	kind, err := v.fleetRepo.ResolveKind(ctx, id)
	if err == nil && kind != fleet.KindUnknown && kind != want {
		return newValidationError(CodeWrongRole, "id %s resolves to a %s, expected a %s", id, kind, want)
	}
	return newValidationError(CodeNotFound, "%s %s not found", want, id)
}

func (v *Validator) contractorName(ctx context.Context, id string) string {
	c, err := v.fleetRepo.FindContractor(ctx, id)
	if err != nil || c == nil {
		return id
	}
	return c.Name
}
