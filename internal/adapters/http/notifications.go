package httpadapter

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oapi-codegen/runtime"
)

// int64Param binds a positive integer path parameter.
func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	var v int64
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil || v <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := int64Param(w, r, "user_id")
	if !ok {
		return
	}
	list, err := s.notifications.ListByUser(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.JSON(w, r, list)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := int64Param(w, r, "user_id")
	if !ok {
		return
	}
	n, err := s.notifications.UnreadCount(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int64{"unread_count": n})
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := int64Param(w, r, "user_id")
	if !ok {
		return
	}
	n, err := s.notifications.MarkAllRead(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int64{"updated": n})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	if err := s.notifications.MarkRead(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	if err := s.notifications.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
