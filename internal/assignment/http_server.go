package assignment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/SmartFleetLink/SmartFleetLink/internal/common/auth"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/logger"
	"github.com/SmartFleetLink/SmartFleetLink/internal/common/server"
	"github.com/SmartFleetLink/SmartFleetLink/internal/pkg/response"
	"github.com/go-chi/chi/v5"
)

// HTTPServer 派单引擎的 HTTP 入口。
type HTTPServer struct {
	svc *Service
	hub *WSHub
	log logger.Logger
}

func NewHTTPServer(svc *Service, log logger.Logger) *HTTPServer {
	return &HTTPServer{
		svc: svc,
		hub: NewWSHub(svc.Notifier(), log),
		log: log,
	}
}

// Routes 挂载派单路由（上层已完成 JWT 校验与 Principal 注入）。
func (s *HTTPServer) Routes(r chi.Router) {
	r.Post("/assignments", s.assign)
	r.Post("/assignments/validate", s.validate)
	r.Get("/assignments/watch", s.hub.ServeHTTP)
	r.Get("/assignments/{driverID}", s.getActive)
	r.Get("/assignments/{driverID}/history", s.history)
	r.Delete("/assignments/{driverID}", s.unassign)
	r.Post("/assignments/{driverID}/transfer", s.transfer)

	r.Post("/snapshots/reconcile", s.reconcile)
	r.Get("/snapshots", s.listSnapshots)
	r.Get("/snapshots/{driverID}", s.getSnapshot)
}

type assignRequest struct {
	DriverID       string   `json:"driver_id"`
	ContractorID   string   `json:"contractor_id"`
	VehicleID      string   `json:"vehicle_id"`
	FeederPointIDs []string `json:"feeder_point_ids"`
	ShiftType      string   `json:"shift_type"`
}

func (s *HTTPServer) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.RespondWithError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	requester := s.requester(r)

	na, res, err := s.svc.Assign(r.Context(), AssignInput{
		DriverID:       req.DriverID,
		ContractorID:   req.ContractorID,
		VehicleID:      req.VehicleID,
		FeederPointIDs: req.FeederPointIDs,
		ShiftType:      req.ShiftType,
		AssignedBy:     requester.Subject,
	}, requester)
	if err != nil {
		s.respondError(w, err, res)
		return
	}
	response.RespondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"assignment": na,
		"warnings":   res.Warnings,
	})
}

type validateRequest struct {
	DriverID     string `json:"driver_id"`
	ContractorID string `json:"contractor_id"`
}

// validate 只校验不变更，结论原样返回给 dashboard 做预检。
func (s *HTTPServer) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.RespondWithError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := s.svc.Validate(r.Context(), req.DriverID, req.ContractorID, s.requester(r))
	if err != nil {
		s.respondError(w, err, nil)
		return
	}
	response.RespondWithJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) unassign(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	terminated, err := s.svc.Unassign(r.Context(), driverID, s.requester(r))
	if err != nil {
		s.respondError(w, err, nil)
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"assignment": terminated})
}

type transferRequest struct {
	NewContractorID string   `json:"new_contractor_id"`
	VehicleID       string   `json:"vehicle_id"`
	FeederPointIDs  []string `json:"feeder_point_ids"`
	ShiftType       string   `json:"shift_type"`
}

func (s *HTTPServer) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.RespondWithError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	requester := s.requester(r)

	na, res, err := s.svc.Transfer(r.Context(), TransferInput{
		DriverID:        chi.URLParam(r, "driverID"),
		NewContractorID: req.NewContractorID,
		VehicleID:       req.VehicleID,
		FeederPointIDs:  req.FeederPointIDs,
		ShiftType:       req.ShiftType,
		By:              requester.Subject,
	}, requester)
	if err != nil {
		s.respondError(w, err, res)
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"assignment": na,
		"warnings":   res.Warnings,
	})
}

func (s *HTTPServer) getActive(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	a, err := s.svc.ActiveAssignment(r.Context(), driverID)
	if err != nil {
		s.respondError(w, err, nil)
		return
	}
	if a == nil {
		response.RespondWithError(w, http.StatusNotFound, "no active assignment")
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"assignment": a})
}

func (s *HTTPServer) history(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	offset, limit := historyPageParams(r)
	rows, total, err := s.svc.History(r.Context(), driverID, offset, limit)
	if err != nil {
		s.respondError(w, err, nil)
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"assignments": rows, "total": total})
}

type reconcileRequest struct {
	Date string `json:"date"`
}

// reconcile 触发指定日期的全量对账（admin 专用，批处理也走同一入口）。
func (s *HTTPServer) reconcile(w http.ResponseWriter, r *http.Request) {
	requester := s.requester(r)
	if !requester.IsAdmin(s.svc.validator.authCfg) {
		response.RespondWithError(w, http.StatusForbidden, "admin privilege required")
		return
	}
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.RespondWithError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	date := strings.TrimSpace(req.Date)
	if date == "" {
		date = s.svc.reconciler.Today()
	}
	count, err := s.svc.ReconcileForDate(r.Context(), date)
	if err != nil {
		s.respondError(w, err, nil)
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"date": date, "reconciled": count})
}

func (s *HTTPServer) getSnapshot(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	snap, err := s.svc.Snapshot(r.Context(), driverID, r.URL.Query().Get("date"))
	if err != nil {
		s.respondError(w, err, nil)
		return
	}
	if snap == nil {
		response.RespondWithError(w, http.StatusNotFound, "no snapshot for driver")
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"snapshot": snap})
}

func (s *HTTPServer) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.svc.SnapshotsByDate(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		s.respondError(w, err, nil)
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

func (s *HTTPServer) requester(r *http.Request) auth.Principal {
	p, _ := server.PrincipalFromContext(r.Context())
	return p
}

// respondError 把引擎错误映射到 HTTP 状态码：
//
//	INVALID_ARGUMENT / WRONG_ROLE / DUPLICATE_*  → 400/409
//	PERMISSION_DENIED                            → 403
//	NOT_FOUND                                    → 404
//	ErrConflict                                  → 409（调用方重读后重试）
//	TransientStoreError                          → 503
//	IntegrityViolation 及其余                     → 500
func (s *HTTPServer) respondError(w http.ResponseWriter, err error, res *ValidationResult) {
	if ve, ok := AsValidationError(err); ok {
		status := http.StatusBadRequest
		switch ve.Code {
		case CodeNotFound:
			status = http.StatusNotFound
		case CodePermissionDenied:
			status = http.StatusForbidden
		case CodeDuplicateAssignment, CodeVehicleUnavailable:
			status = http.StatusConflict
		}
		body := map[string]interface{}{"error": ve.Message, "code": ve.Code}
		if res != nil {
			body["validation"] = res
		}
		response.RespondWithJSON(w, status, body)
		return
	}
	if IsConflict(err) {
		response.RespondWithError(w, http.StatusConflict, err.Error())
		return
	}
	var tse *TransientStoreError
	if errors.As(err, &tse) {
		response.RespondWithError(w, http.StatusServiceUnavailable, tse.Error())
		return
	}
	if IsIntegrityViolation(err) && s.log != nil {
		s.log.Errorf("integrity violation surfaced to http: %v", err)
	}
	response.RespondWithError(w, http.StatusInternalServerError, err.Error())
}

func historyPageParams(r *http.Request) (offset, limit int) {
	page := 1
	size := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= 200 {
		size = v
	}
	return (page - 1) * size, size
}
