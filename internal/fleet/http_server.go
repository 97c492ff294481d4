package fleet

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/SmartFleetLink/SmartFleetLink/internal/pkg/response"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HTTPServer 实体管理（司机/承包商/车辆/收运点）的 HTTP 入口。
// 仅做 CRUD；派单相关的一切变更走 assignment 包。
type HTTPServer struct {
	repo *Repo
}

func NewHTTPServer(db *gorm.DB) *HTTPServer {
	return &HTTPServer{repo: NewRepo(db)}
}

// Routes 挂载实体管理路由（上层决定包一层 RequireAdmin）。
func (s *HTTPServer) Routes(r chi.Router) {
	r.Post("/drivers", s.upsertDriver)
	r.Get("/drivers", s.listDrivers)
	r.Get("/drivers/{id}", s.getDriver)

	r.Post("/contractors", s.upsertContractor)
	r.Get("/contractors", s.listContractors)

	r.Post("/vehicles", s.upsertVehicle)
	r.Get("/vehicles", s.listVehicles)

	r.Post("/feeder-points", s.upsertFeederPoint)
	r.Get("/feeder-points", s.listFeederPoints)
}

type driverInput struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Active *bool  `json:"active"`
}

func (s *HTTPServer) upsertDriver(w http.ResponseWriter, r *http.Request) {
	var in driverInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.RespondWithError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		response.RespondWithError(w, http.StatusBadRequest, "name required")
		return
	}

	id := strings.TrimSpace(in.ID)
	isNew := id == ""
	if isNew {
		id = uuid.NewString()
	}

	d := &Driver{ID: id, Name: name, Phone: strings.TrimSpace(in.Phone), Active: true}
	if !isNew {
		// 更新时保留镜像字段与版本号
		existing, err := s.repo.FindDriver(r.Context(), id)
		if err != nil && !IsNotFound(err) {
			response.RespondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if existing != nil {
			existing.Name = name
			existing.Phone = strings.TrimSpace(in.Phone)
			if in.Active != nil {
				existing.Active = *in.Active
			}
			d = existing
		}
	}
	if in.Active != nil {
		d.Active = *in.Active
	}

	if err := s.repo.SaveDriver(r.Context(), d); err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, d)
}

func (s *HTTPServer) getDriver(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		response.RespondWithError(w, http.StatusBadRequest, "id required")
		return
	}
	d, err := s.repo.FindDriver(r.Context(), id)
	if IsNotFound(err) {
		response.RespondWithError(w, http.StatusNotFound, "driver not found")
		return
	}
	if err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, d)
}

func (s *HTTPServer) listDrivers(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	drivers, total, err := s.repo.ListDrivers(r.Context(), strings.TrimSpace(r.URL.Query().Get("contractor_id")), offset, limit)
	if err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"drivers": drivers, "total": total})
}

type contractorInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *HTTPServer) upsertContractor(w http.ResponseWriter, r *http.Request) {
	var in contractorInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.RespondWithError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		response.RespondWithError(w, http.StatusBadRequest, "name required")
		return
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	c := &Contractor{ID: id, Name: name}
	if err := s.repo.SaveContractor(r.Context(), c); err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, c)
}

func (s *HTTPServer) listContractors(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	contractors, total, err := s.repo.ListContractors(r.Context(), offset, limit)
	if err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"contractors": contractors, "total": total})
}

type vehicleInput struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	ContractorID string `json:"contractor_id"`
}

func (s *HTTPServer) upsertVehicle(w http.ResponseWriter, r *http.Request) {
	var in vehicleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.RespondWithError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	number := strings.TrimSpace(in.Number)
	if number == "" {
		response.RespondWithError(w, http.StatusBadRequest, "number required")
		return
	}
	id := strings.TrimSpace(in.ID)
	isNew := id == ""
	if isNew {
		id = uuid.NewString()
	}

	v := &Vehicle{ID: id, Number: number, ContractorID: strings.TrimSpace(in.ContractorID), Status: VehicleAvailable}
	if !isNew {
		// 更新时保留 driver 镜像与状态
		existing, err := s.repo.FindVehicle(r.Context(), id)
		if err != nil && !IsNotFound(err) {
			response.RespondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if existing != nil {
			existing.Number = number
			if in.ContractorID != "" {
				existing.ContractorID = strings.TrimSpace(in.ContractorID)
			}
			v = existing
		}
	}

	if err := s.repo.SaveVehicle(r.Context(), v); err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, v)
}

func (s *HTTPServer) listVehicles(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	vehicles, total, err := s.repo.ListVehicles(r.Context(), strings.TrimSpace(r.URL.Query().Get("contractor_id")), offset, limit)
	if err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"vehicles": vehicles, "total": total})
}

type feederPointInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Area string `json:"area"`
	Ward string `json:"ward"`
}

func (s *HTTPServer) upsertFeederPoint(w http.ResponseWriter, r *http.Request) {
	var in feederPointInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.RespondWithError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		response.RespondWithError(w, http.StatusBadRequest, "name required")
		return
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	fp := &FeederPoint{
		ID:   id,
		Name: name,
		Area: strings.TrimSpace(in.Area),
		Ward: strings.TrimSpace(in.Ward),
	}
	if err := s.repo.SaveFeederPoint(r.Context(), fp); err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, fp)
}

func (s *HTTPServer) listFeederPoints(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	fps, total, err := s.repo.ListFeederPoints(r.Context(), strings.TrimSpace(r.URL.Query().Get("ward")), offset, limit)
	if err != nil {
		response.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"feeder_points": fps, "total": total})
}

func pageParams(r *http.Request) (offset, limit int) {
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
