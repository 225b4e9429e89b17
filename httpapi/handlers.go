package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tasync/apiexec"
	"github.com/hazyhaar/tasync/attendancesync"
	"github.com/hazyhaar/tasync/horosafe"
	"github.com/hazyhaar/tasync/kit"
	"github.com/hazyhaar/tasync/observability"
	"github.com/hazyhaar/tasync/shield"
	"github.com/hazyhaar/tasync/syncstore"
	"github.com/hazyhaar/tasync/tadriver"
)

// attendanceSyncBody is the request body; the classroom comes from the URL.
// Date is shorthand for a one-day dateRange.
type attendanceSyncBody struct {
	Mode          string                    `json:"mode"`
	CreatedBy     string                    `json:"createdBy"`
	DateRange     *attendancesync.DateRange `json:"dateRange"`
	Date          string                    `json:"date"`
	ExecutionMode string                    `json:"executionMode"`
}

func (s *Server) attendanceSync(w http.ResponseWriter, r *http.Request) {
	var body attendanceSyncBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := attendancesync.Request{
		ClassroomID:   chi.URLParam(r, "classroomID"),
		Mode:          body.Mode,
		CreatedBy:     createdBy(r, body.CreatedBy),
		DateRange:     body.DateRange,
		ExecutionMode: body.ExecutionMode,
	}
	if req.DateRange == nil && body.Date != "" {
		req.DateRange = &attendancesync.DateRange{Start: body.Date, End: body.Date}
	}

	res, err := s.cfg.Attendance.Run(r.Context(), req)
	switch {
	case errors.Is(err, attendancesync.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		shield.GetLogger(r.Context()).Error("httpapi: attendance sync", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type canonicalSyncBody struct {
	Mode      string          `json:"mode"`
	CreatedBy string          `json:"createdBy"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) canonicalSync(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Canonical == nil {
		writeError(w, http.StatusNotImplemented, errors.New("canonical sync is not configured"))
		return
	}
	var body canonicalSyncBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.cfg.Canonical.Run(r.Context(), apiexec.RunRequest{
		ClassroomID: chi.URLParam(r, "classroomID"),
		Mode:        body.Mode,
		CreatedBy:   createdBy(r, body.CreatedBy),
		Source:      body.Source,
		Payload:     body.Payload,
	})
	switch {
	case errors.Is(err, apiexec.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		shield.GetLogger(r.Context()).Error("httpapi: canonical sync", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// taConfigBody is the TA credential upsert. An empty password or execution
// mode keeps the stored value.
type taConfigBody struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	BaseURL          string `json:"baseUrl"`
	CourseSearchText string `json:"courseSearchText"`
	BlockCode        string `json:"blockCode"`
	ExecutionMode    string `json:"executionMode"`
}

// taConfigView never carries the password.
type taConfigView struct {
	ClassroomID      string `json:"classroomId"`
	Username         string `json:"username"`
	BaseURL          string `json:"baseUrl"`
	CourseSearchText string `json:"courseSearchText"`
	BlockCode        string `json:"blockCode"`
	ExecutionMode    string `json:"executionMode"`
	HasPassword      bool   `json:"hasPassword"`
	UpdatedAt        int64  `json:"updatedAt"`
}

func viewTAConfig(c *syncstore.TAConfig) taConfigView {
	return taConfigView{
		ClassroomID:      c.ClassroomID,
		Username:         c.Username,
		BaseURL:          c.BaseURL,
		CourseSearchText: c.CourseSearchText,
		BlockCode:        c.BlockCode,
		ExecutionMode:    c.ExecutionMode,
		HasPassword:      c.EncryptedPassword != "",
		UpdatedAt:        c.UpdatedAt,
	}
}

func (s *Server) getTAConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Store.GetTAConfig(r.Context(), chi.URLParam(r, "classroomID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, errors.New("no TA configuration for this classroom"))
		return
	}
	writeJSON(w, http.StatusOK, viewTAConfig(cfg))
}

func (s *Server) putTAConfig(w http.ResponseWriter, r *http.Request) {
	classroomID := strings.TrimSpace(chi.URLParam(r, "classroomID"))
	var body taConfigBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	body.BaseURL = strings.TrimSpace(body.BaseURL)
	if body.Username == "" || body.BaseURL == "" || strings.TrimSpace(body.CourseSearchText) == "" {
		writeError(w, http.StatusBadRequest, errors.New("username, baseUrl and courseSearchText are required"))
		return
	}
	if err := horosafe.ValidateURL(body.BaseURL, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.ExecutionMode != "" {
		if _, err := tadriver.ParseExecutionMode(body.ExecutionMode); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	existing, err := s.cfg.Store.GetTAConfig(r.Context(), classroomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var encrypted string
	switch {
	case body.Password != "":
		encrypted, err = s.cfg.Credentials.Encrypt(body.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("encrypt password: %w", err))
			return
		}
	case existing != nil:
		encrypted = existing.EncryptedPassword
	default:
		writeError(w, http.StatusBadRequest, errors.New("password is required"))
		return
	}

	mode := body.ExecutionMode
	if mode == "" && existing != nil {
		mode = existing.ExecutionMode
	}
	cfg := &syncstore.TAConfig{
		ClassroomID:       classroomID,
		Username:          body.Username,
		EncryptedPassword: encrypted,
		BaseURL:           body.BaseURL,
		CourseSearchText:  strings.TrimSpace(body.CourseSearchText),
		BlockCode:         strings.TrimSpace(body.BlockCode),
		ExecutionMode:     mode,
	}
	if err := s.cfg.Store.SaveTAConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	shield.GetLogger(r.Context()).Info("httpapi: TA config saved", "classroom_id", classroomID)
	writeJSON(w, http.StatusOK, viewTAConfig(cfg))
}

type jobView struct {
	Job    *syncstore.Job                `json:"job"`
	Items  []*syncstore.Item             `json:"items"`
	Events []observability.BusinessEvent `json:"events,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.cfg.Store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, syncstore.ErrJobNotFound)
		return
	}
	items, err := s.cfg.Store.ListItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	view := jobView{Job: job, Items: items}
	if view.Items == nil {
		view.Items = []*syncstore.Item{}
	}
	if s.cfg.Events != nil {
		events, err := s.cfg.Events.EntityEvents(r.Context(), "sync_job", id)
		if err != nil {
			shield.GetLogger(r.Context()).Warn("httpapi: load job events", "error", err)
		}
		view.Events = events
	}
	writeJSON(w, http.StatusOK, view)
}

// createdBy prefers the authenticated caller. The body value is only used
// for requests that carry no identity.
func createdBy(r *http.Request, fromBody string) string {
	if id := kit.GetUserID(r.Context()); id != "" {
		return id
	}
	return strings.TrimSpace(fromBody)
}
