package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/oapi-codegen/runtime"

	"scanhub/internal/domain"
	"scanhub/internal/logger"
	"scanhub/internal/ports"
	"scanhub/internal/services/scanner"
	"scanhub/internal/workers/scanrunner"
)

// UserHeader carries the id of the authenticated caller. Authentication
// itself happens upstream.
const UserHeader = "X-User-ID"

// Gateway is the scan submission surface. *scanner.Service satisfies it.
type Gateway interface {
	SubmitDirect(ctx context.Context, req domain.ScanJobRequest) (string, error)
	SubmitQueued(ctx context.Context, req domain.ScanJobRequest) (string, error)
	SubmitScheduled(ctx context.Context, req domain.ScanJobRequest, at time.Time) (string, error)
	Cancel(ctx context.Context, id string) error
	Report(ctx context.Context, id string) (domain.ScanReport, error)
}

// PushServer upgrades a request into a push stream for one user.
type PushServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID int64)
}

type Server struct {
	scans         Gateway
	notifications ports.NotificationRepository
	push          PushServer
	metrics       http.Handler
	log           logger.Logger
}

func New(scans Gateway, notifications ports.NotificationRepository, push PushServer, metrics http.Handler, log logger.Logger) *Server {
	return &Server{scans: scans, notifications: notifications, push: push, metrics: metrics, log: log}
}

// Routes returns a chi.Router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.push != nil {
		r.Get("/ws/{user_id}", s.serveWS)
	}

	r.Route("/scan", func(r chi.Router) {
		r.With(requireUser).Post("/", s.postScan)
		r.With(requireUser).Post("/queued", s.postScanQueued)
		r.With(requireUser).Post("/scheduled", s.postScanScheduled)
		r.Post("/cancel/{id}", s.postCancel)
		r.Get("/{id}", s.getScan)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/user/{user_id}", s.listNotifications)
		r.Get("/user/{user_id}/unread-count", s.unreadCount)
		r.Patch("/user/{user_id}/mark-all-read", s.markAllRead)
		r.Patch("/{id}/read", s.markRead)
		r.Delete("/{id}", s.deleteNotification)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		log := s.log.With(logger.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), log)))
		log.Debug("http request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("took", time.Since(start)))
	})
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id int64
		err := runtime.BindStyledParameterWithOptions("simple", UserHeader, r.Header.Get(UserHeader), &id,
			runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationHeader, Required: true})
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusUnauthorized, "missing or invalid "+UserHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userKey{}).(int64)
	return id
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scanner.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, scanner.ErrNotFound), errors.Is(err, ports.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, scanrunner.ErrSaturated), errors.Is(err, scanrunner.ErrStopped), errors.Is(err, scanner.ErrBrokerUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		logger.FromContext(r.Context()).Error("request failed", logger.String("path", r.URL.Path), logger.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "user_id")
	if !ok {
		return
	}
	s.push.Serve(w, r, id)
}
