package httpadapter

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"scanhub/internal/domain"
)

type scanRequest struct {
	URL       string     `json:"url"`
	ScanTools []string   `json:"scan_tools"`
	Username  string     `json:"username,omitempty"`
	Password  string     `json:"password,omitempty"`
	TokenAuth string     `json:"token_auth,omitempty"`
	Cookies   string     `json:"cookies,omitempty"`
	ScanTime  *time.Time `json:"scan_time,omitempty"`
}

func (req *scanRequest) Bind(*http.Request) error {
	if req.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

func (req *scanRequest) toDomain(userID int64) domain.ScanJobRequest {
	return domain.ScanJobRequest{
		URL:   req.URL,
		Tools: req.ScanTools,
		Credentials: domain.Credentials{
			Username:  req.Username,
			Password:  req.Password,
			TokenAuth: req.TokenAuth,
			Cookies:   req.Cookies,
		},
		ScheduledAt: req.ScanTime,
		UserID:      userID,
	}
}

type submitResponse struct {
	Message  string `json:"message"`
	ReportID string `json:"report_id"`
}

type reportResponse struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"user_id"`
	ScanType      string     `json:"scan_type"`
	URL           string     `json:"url"`
	Domain        string     `json:"domain"`
	Status        string     `json:"status"`
	Scheduled     bool       `json:"scheduled"`
	Authenticated bool       `json:"authenticated"`
	Progression   float64    `json:"progression"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func newReportResponse(r domain.ScanReport) reportResponse {
	return reportResponse{
		ID:            r.ID,
		UserID:        r.UserID,
		ScanType:      r.ScanType,
		URL:           r.URL,
		Domain:        r.Domain,
		Status:        string(r.Status),
		Scheduled:     r.Scheduled,
		Authenticated: r.Authenticated,
		Progression:   r.Progression,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}

func (s *Server) bindScan(w http.ResponseWriter, r *http.Request) (*scanRequest, bool) {
	var req scanRequest
	if err := render.Bind(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

func (s *Server) postScan(w http.ResponseWriter, r *http.Request) {
	req, ok := s.bindScan(w, r)
	if !ok {
		return
	}
	id, err := s.scans.SubmitDirect(r.Context(), req.toDomain(userFrom(r.Context())))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, submitResponse{Message: "Scan started for URL: " + req.URL, ReportID: id})
}

func (s *Server) postScanQueued(w http.ResponseWriter, r *http.Request) {
	req, ok := s.bindScan(w, r)
	if !ok {
		return
	}
	id, err := s.scans.SubmitQueued(r.Context(), req.toDomain(userFrom(r.Context())))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, submitResponse{Message: "Scan task queued for " + req.URL, ReportID: id})
}

func (s *Server) postScanScheduled(w http.ResponseWriter, r *http.Request) {
	req, ok := s.bindScan(w, r)
	if !ok {
		return
	}
	if req.ScanTime == nil {
		writeError(w, r, http.StatusBadRequest, "scan_time is required")
		return
	}
	id, err := s.scans.SubmitScheduled(r.Context(), req.toDomain(userFrom(r.Context())), *req.ScanTime)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, submitResponse{
		Message:  fmt.Sprintf("Scan scheduled for URL: %s at %s", req.URL, req.ScanTime.UTC().Format(time.RFC3339)),
		ReportID: id,
	})
}

func (s *Server) postCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scans.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, submitResponse{Message: "Cancellation requested for scan " + id, ReportID: id})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	report, err := s.scans.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.JSON(w, r, newReportResponse(report))
}
