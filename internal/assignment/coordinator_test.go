package assignment

import (
	"context"
	"errors"
	"testing"

	"github.com/SmartFleetLink/SmartFleetLink/internal/fleet"
	"gorm.io/gorm"
)

func TestAssignWritesCanonicalRowAndMirrors(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	ctx := context.Background()

	a := mustAssign(t, c, AssignInput{
		DriverID:       "d-1",
		ContractorID:   "c-1",
		VehicleID:      "v-1",
		FeederPointIDs: []string{"fp-1", "fp-2", "fp-1"}, // 重复 ID 应去重
		AssignedBy:     "admin-1",
	})

	if a.Status != StatusActive {
		t.Fatalf("expected active assignment, got %s", a.Status)
	}
	if a.ShiftType != DefaultShiftType {
		t.Fatalf("expected default shift type, got %q", a.ShiftType)
	}
	if got := a.FeederPoints(); len(got) != 2 {
		t.Fatalf("expected deduped feeder points, got %v", got)
	}

	fleetRepo := fleet.NewRepo(db)
	drv, err := fleetRepo.FindDriver(ctx, "d-1")
	if err != nil {
		t.Fatalf("find driver: %v", err)
	}
	if drv.ContractorID != "c-1" || drv.AssignedVehicleID != "v-1" {
		t.Fatalf("driver mirrors not updated: %+v", drv)
	}
	if drv.AssignmentVersion != 1 {
		t.Fatalf("expected assignment version 1, got %d", drv.AssignmentVersion)
	}

	veh, err := fleetRepo.FindVehicle(ctx, "v-1")
	if err != nil {
		t.Fatalf("find vehicle: %v", err)
	}
	if veh.DriverID != "d-1" || veh.Status != fleet.VehicleAssigned {
		t.Fatalf("vehicle mirrors not updated: %+v", veh)
	}

	rows, err := NewRepo(db).ListActiveFeederRows(ctx, "d-1")
	if err != nil {
		t.Fatalf("list feeder rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 active feeder rows, got %d", len(rows))
	}
}

func TestAssignSupersedesPrevious(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	ctx := context.Background()

	first := mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
	})
	second := mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-2",
		FeederPointIDs: []string{"fp-2"}, AssignedBy: "admin-1",
	})

	repo := NewRepo(db)
	old, err := repo.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("get superseded row: %v", err)
	}
	if old.Status != StatusInactive || old.SupersededAt == nil {
		t.Fatalf("expected superseded row inactive, got %+v", old)
	}

	active, err := repo.FindActiveByDriver(ctx, "d-1")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Fatalf("expected second assignment active, got %+v", active)
	}

	// 换车：原车释放
	fleetRepo := fleet.NewRepo(db)
	v1, _ := fleetRepo.FindVehicle(ctx, "v-1")
	if v1.DriverID != "" || v1.Status != fleet.VehicleAvailable {
		t.Fatalf("expected old vehicle released, got %+v", v1)
	}
	v2, _ := fleetRepo.FindVehicle(ctx, "v-2")
	if v2.DriverID != "d-1" || v2.Status != fleet.VehicleAssigned {
		t.Fatalf("expected new vehicle assigned, got %+v", v2)
	}

	drv, _ := fleetRepo.FindDriver(ctx, "d-1")
	if drv.AssignmentVersion != 2 {
		t.Fatalf("expected version 2 after two assignments, got %d", drv.AssignmentVersion)
	}
}

func TestAssignVehicleHeldByOtherDriver(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	ctx := context.Background()

	if err := fleet.NewRepo(db).SaveDriver(ctx, &fleet.Driver{ID: "d-2", Name: "Suresh", Active: true}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	mustAssign(t, c, AssignInput{
		DriverID: "d-2", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-3"}, AssignedBy: "admin-1",
	})

	_, err := c.Assign(ctx, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
	})
	ve, ok := AsValidationError(err)
	if !ok || ve.Code != CodeVehicleUnavailable {
		t.Fatalf("expected VEHICLE_UNAVAILABLE, got %v", err)
	}

	// 失败的事务不得留下任何痕迹
	active, _ := NewRepo(db).FindActiveByDriver(ctx, "d-1")
	if active != nil {
		t.Fatalf("expected no assignment for d-1, got %+v", active)
	}
	drv, _ := fleet.NewRepo(db).FindDriver(ctx, "d-1")
	if drv.AssignmentVersion != 0 || drv.ContractorID != "" {
		t.Fatalf("expected untouched driver, got %+v", drv)
	}
}

func TestAssignRejectsEmptyFeederPoints(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)

	_, err := c.Assign(context.Background(), AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{" ", ""}, AssignedBy: "admin-1",
	})
	ve, ok := AsValidationError(err)
	if !ok || ve.Code != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestUnassignTerminatesAndClearsMirrors(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	ctx := context.Background()

	a := mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1", "fp-2"}, AssignedBy: "admin-1",
	})

	terminated, err := c.Unassign(ctx, "d-1", nil)
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if terminated.ID != a.ID || terminated.Status != StatusTerminated || terminated.TerminatedAt == nil {
		t.Fatalf("expected terminated row, got %+v", terminated)
	}

	fleetRepo := fleet.NewRepo(db)
	drv, _ := fleetRepo.FindDriver(ctx, "d-1")
	if drv.ContractorID != "" || drv.AssignedVehicleID != "" || drv.AssignedFeederPointIDs != "" {
		t.Fatalf("expected cleared mirrors, got %+v", drv)
	}
	if drv.AssignmentVersion != 2 {
		t.Fatalf("expected version 2, got %d", drv.AssignmentVersion)
	}
	veh, _ := fleetRepo.FindVehicle(ctx, "v-1")
	if veh.DriverID != "" || veh.Status != fleet.VehicleAvailable {
		t.Fatalf("expected released vehicle, got %+v", veh)
	}
	rows, _ := NewRepo(db).ListActiveFeederRows(ctx, "d-1")
	if len(rows) != 0 {
		t.Fatalf("expected no active feeder rows, got %d", len(rows))
	}
}

func TestUnassignWithoutActiveAssignment(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)

	_, err := c.Unassign(context.Background(), "d-1", nil)
	ve, ok := AsValidationError(err)
	if !ok || ve.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestConcurrentAssignsOnlyOneWins(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	v := NewValidator(db, testAuthCfg())
	ctx := context.Background()

	// 两个管理员同时校验同一个未派单司机：都通过，读到同一个版本号
	res1, err := v.Validate(ctx, "d-1", "c-1", adminPrincipal())
	if err != nil || !res1.Valid {
		t.Fatalf("first validate: %v %v", res1, err)
	}
	res2, err := v.Validate(ctx, "d-1", "c-2", adminPrincipal())
	if err != nil || !res2.Valid {
		t.Fatalf("second validate: %v %v", res2, err)
	}

	ver1 := res1.DriverVersion
	if _, err := c.Assign(ctx, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
		ExpectedVersion: &ver1,
	}); err != nil {
		t.Fatalf("first assign: %v", err)
	}

	// 第二个提交带着校验时的旧版本：必须冲突回滚，不得静默取代第一个
	ver2 := res2.DriverVersion
	_, err = c.Assign(ctx, AssignInput{
		DriverID: "d-1", ContractorID: "c-2", VehicleID: "v-2",
		FeederPointIDs: []string{"fp-3"}, AssignedBy: "admin-2",
		ExpectedVersion: &ver2,
	})
	if !IsConflict(err) {
		t.Fatalf("expected ErrConflict for stale validation version, got %v", err)
	}

	active, err := NewRepo(db).FindActiveByDriver(ctx, "d-1")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active == nil || active.ContractorID != "c-1" {
		t.Fatalf("expected winner c-1 to stay active, got %+v", active)
	}
	fleetRepo := fleet.NewRepo(db)
	drv, _ := fleetRepo.FindDriver(ctx, "d-1")
	if drv.AssignmentVersion != 1 || drv.ContractorID != "c-1" {
		t.Fatalf("expected mirrors untouched by losing commit, got %+v", drv)
	}
	v2, _ := fleetRepo.FindVehicle(ctx, "v-2")
	if v2.DriverID != "" || v2.Status != fleet.VehicleAvailable {
		t.Fatalf("expected losing commit's vehicle untouched, got %+v", v2)
	}
}

func TestUnassignRejectsStaleValidationVersion(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	ctx := context.Background()

	mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
	})

	// 读到版本 1 后，另一个提交把版本推到 2
	stale := int64(1)
	mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-2",
		FeederPointIDs: []string{"fp-2"}, AssignedBy: "admin-2",
	})

	if _, err := c.Unassign(ctx, "d-1", &stale); !IsConflict(err) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	active, _ := NewRepo(db).FindActiveByDriver(ctx, "d-1")
	if active == nil || active.VehicleID != "v-2" {
		t.Fatalf("expected active assignment untouched, got %+v", active)
	}
}

func TestMirrorCASRejectsStaleVersion(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	ctx := context.Background()

	mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
	})

	// 版本已是 1；带旧版本 0 的提交必须失败
	repo := NewRepo(db)
	drv, _ := fleet.NewRepo(db).FindDriver(ctx, "d-1")
	drv.ContractorID = "c-2"
	if err := repo.UpdateDriverMirrorsCAS(ctx, drv, 0); !IsConflict(err) {
		t.Fatalf("expected ErrConflict on stale version, got %v", err)
	}
	if err := repo.UpdateDriverMirrorsCAS(ctx, drv, 1); err != nil {
		t.Fatalf("expected CAS with current version to pass, got %v", err)
	}
	if drv.AssignmentVersion != 2 {
		t.Fatalf("expected version bump to 2, got %d", drv.AssignmentVersion)
	}
}

func TestTransferMovesDriverBetweenContractors(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	ctx := context.Background()

	first := mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
	})

	na, err := c.Transfer(ctx, TransferInput{
		DriverID: "d-1", NewContractorID: "c-2", VehicleID: "v-2",
		FeederPointIDs: []string{"fp-3"}, By: "admin-1",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if na.ContractorID != "c-2" || na.Status != StatusActive {
		t.Fatalf("expected active assignment with new contractor, got %+v", na)
	}

	repo := NewRepo(db)
	old, _ := repo.GetByID(ctx, first.ID)
	if old.Status != StatusTerminated {
		t.Fatalf("expected first assignment terminated, got %s", old.Status)
	}

	fleetRepo := fleet.NewRepo(db)
	v1, _ := fleetRepo.FindVehicle(ctx, "v-1")
	if v1.DriverID != "" || v1.Status != fleet.VehicleAvailable {
		t.Fatalf("expected old vehicle released, got %+v", v1)
	}
	drv, _ := fleetRepo.FindDriver(ctx, "d-1")
	if drv.ContractorID != "c-2" || drv.AssignedVehicleID != "v-2" {
		t.Fatalf("driver mirrors not moved: %+v", drv)
	}
}

func TestTransferSecondHalfFailureLeavesDriverUnassigned(t *testing.T) {
	db := newTestDB(t)
	seedFleet(t, db)
	c := newTestCoordinator(db)
	ctx := context.Background()

	if err := fleet.NewRepo(db).SaveDriver(ctx, &fleet.Driver{ID: "d-2", Name: "Suresh", Active: true}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	mustAssign(t, c, AssignInput{
		DriverID: "d-2", ContractorID: "c-2", VehicleID: "v-2",
		FeederPointIDs: []string{"fp-3"}, AssignedBy: "admin-1",
	})
	mustAssign(t, c, AssignInput{
		DriverID: "d-1", ContractorID: "c-1", VehicleID: "v-1",
		FeederPointIDs: []string{"fp-1"}, AssignedBy: "admin-1",
	})

	// 目标车辆被 d-2 占用：第一半（解除）已提交，第二半失败
	_, err := c.Transfer(ctx, TransferInput{
		DriverID: "d-1", NewContractorID: "c-2", VehicleID: "v-2",
		FeederPointIDs: []string{"fp-3"}, By: "admin-1",
	})
	if err == nil {
		t.Fatalf("expected transfer to fail")
	}

	active, ferr := NewRepo(db).FindActiveByDriver(ctx, "d-1")
	if ferr != nil {
		t.Fatalf("find active: %v", ferr)
	}
	if active != nil {
		t.Fatalf("expected driver left unassigned, got %+v", active)
	}
	drv, _ := fleet.NewRepo(db).FindDriver(ctx, "d-1")
	if drv.ContractorID != "" || drv.AssignedVehicleID != "" {
		t.Fatalf("expected cleared mirrors after failed transfer, got %+v", drv)
	}
}

func TestRunTxRetriesTransientErrorsThenGivesUp(t *testing.T) {
	db := newTestDB(t)
	c := newTestCoordinator(db)
	c.maxRetries = 2

	calls := 0
	err := c.runTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		return errors.New("driver: bad connection")
	})

	var tse *TransientStoreError
	if !errors.As(err, &tse) {
		t.Fatalf("expected TransientStoreError, got %v", err)
	}
	if tse.Attempts != 2 || calls != 2 {
		t.Fatalf("expected 2 attempts, got attempts=%d calls=%d", tse.Attempts, calls)
	}

	// 校验类错误不重试
	calls = 0
	err = c.runTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		return newValidationError(CodeNotFound, "nope")
	})
	if _, ok := AsValidationError(err); !ok || calls != 1 {
		t.Fatalf("expected single-shot validation error, got err=%v calls=%d", err, calls)
	}
}

func TestIsTransientClassification(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("Error 1213: Deadlock found when trying to get lock"), true},
		{errors.New("database is locked"), true},
		{ErrConflict, false},
		{newValidationError(CodeNotFound, "x"), false},
		{&IntegrityViolation{DriverID: "d-1", Detail: "x"}, false},
		{nil, false},
	} {
		if got := isTransient(tc.err); got != tc.want {
			t.Fatalf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
