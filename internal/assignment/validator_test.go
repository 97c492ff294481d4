package assignment

import (
	"context"
	"testing"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/auth"
)

func hasCode(res *ValidationResult, code Code) bool {
	for _, e := range res.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidateHappyPath(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	v := NewValidator(db, testAuthCfg())

	res, err := v.Validate(context.Background(), "d-1", "c-1", adminPrincipal())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid || len(res.Errors) != 0 {
		t.Fatalf("expected valid result, got errors %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
}

func TestValidateNotFoundVsWrongRole(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	v := NewValidator(db, testAuthCfg())

	res, err := v.Validate(context.Background(), "d-missing", "c-1", adminPrincipal())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || !hasCode(res, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown driver, got %v", res.Errors)
	}

	// 车辆 ID 当司机用：实体存在但类别不符
	res, err = v.Validate(context.Background(), "v-1", "c-1", adminPrincipal())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || !hasCode(res, CodeWrongRole) {
		t.Fatalf("expected WRONG_ROLE for vehicle id as driver, got %v", res.Errors)
	}

	// 司机 ID 当承包商用
	res, err = v.Validate(context.Background(), "d-1", "d-1", adminPrincipal())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || !hasCode(res, CodeWrongRole) {
		t.Fatalf("expected WRONG_ROLE for driver id as contractor, got %v", res.Errors)
	}
}

func TestValidatePermissionDenied(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	v := NewValidator(db, testAuthCfg())

	res, err := v.Validate(context.Background(), "d-1", "c-1", auth.Principal{Subject: "u-1", Roles: []string{"viewer"}})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || !hasCode(res, CodePermissionDenied) {
		t.Fatalf("expected PERMISSION_DENIED, got %v", res.Errors)
	}
}

func TestValidateMissingArguments(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	v := NewValidator(db, testAuthCfg())

	res, err := v.Validate(context.Background(), "", " ", adminPrincipal())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || !hasCode(res, CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", res.Errors)
	}
}

func TestValidateDuplicateAssignment(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	v := NewValidator(db, testAuthCfg())

	mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
	})

	// 目标是另一家承包商：硬错误，消息里带当前承包商名称
	res, err := v.Validate(context.Background(), "d-1", "c-2", adminPrincipal())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || !hasCode(res, CodeDuplicateAssignment) {
		t.Fatalf("expected DUPLICATE_ASSIGNMENT, got %v", res.Errors)
	}

	// 目标是同一家承包商：降级为警告，结论仍为通过
	res, err = v.Validate(context.Background(), "d-1", "c-1", adminPrincipal())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid result for same contractor, got %v", res.Errors)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "already assigned here" {
		t.Fatalf("expected 'already assigned here' warning, got %v", res.Warnings)
	}
}

func TestValidateSurfacesIntegrityViolation(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	v := NewValidator(db, testAuthCfg())
	repo := NewRepo(db)

	a := mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
	})

	// 绕过协调器直接插入第二条 active 行，模拟脏数据
	dup := *a
	dup.ID = "dup-1"
	dup.ContractorID = "c-2"
	dup.AssignedAt = a.AssignedAt.Add(1)
	if err := repo.Create(context.Background(), &dup); err != nil {
		t.Fatalf("seed duplicate: %v", err)
	}

	_, err := v.Validate(context.Background(), "d-1", "c-2", adminPrincipal())
	if !IsIntegrityViolation(err) {
		t.Fatalf("expected IntegrityViolation, got %v", err)
	}
}
