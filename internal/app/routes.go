package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
	"github.com/petervdpas/agora/internal/util"
)

const maxHookBody = 1 << 20

func (s *Server) routes(mux *http.ServeMux) {
	mux.Handle("GET "+proto.WSPath, s.gateway)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if err := s.db.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		body := map[string]any{
			"status":   status,
			"node_id":  s.nodeID,
			"time":     time.Now().UTC().Format(time.RFC3339),
			"bus":      s.bus.Stats(),
			"gateway":  s.gateway.Stats(),
			"presence": s.presence.Counts(),
			"event_log": map[string]int64{
				"written": s.appender.Written(),
				"dropped": s.appender.Dropped(),
			},
		}
		if s.bridge != nil {
			body["broker"] = s.bridge.Stats()
		}
		writeJSONStatus(w, code, body)
	})

	handleHookPost(s, mux, "POST /api/events", func(w http.ResponseWriter, r *http.Request, req struct {
		Type    proto.EventType `json:"type"`
		Target  proto.Target    `json:"target"`
		Payload map[string]any  `json:"payload"`
	}) {
		evt, err := s.notify.PublishExternal(r.Context(), proto.Event{Type: req.Type, Target: req.Target, Payload: req.Payload})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"id": evt.ID})
	})

	handleHookPost(s, mux, "POST /api/rooms/{room}/notify", func(w http.ResponseWriter, r *http.Request, req struct {
		Type       string         `json:"type"`
		Data       map[string]any `json:"data"`
		ExceptUser string         `json:"except_user"`
	}) {
		n, err := s.notify.NotifyRoom(r.Context(), r.PathValue("room"), req.Type, req.Data, req.ExceptUser)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]int{"notified": n})
	})

	mux.HandleFunc("PUT /api/rooms/{room}/subscribers/{user}", s.hook(func(w http.ResponseWriter, r *http.Request) {
		room, user, err := roomAndUser(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.db.AddRoomSubscriber(r.Context(), room, user); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("DELETE /api/rooms/{room}/subscribers/{user}", s.hook(func(w http.ResponseWriter, r *http.Request) {
		room, user, err := roomAndUser(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.db.RemoveRoomSubscriber(r.Context(), room, user); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/rooms/{room}/subscribers", s.hook(func(w http.ResponseWriter, r *http.Request) {
		users, err := s.db.ListRoomSubscribers(r.Context(), r.PathValue("room"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"room": r.PathValue("room"), "users": nonNil(users)})
	}))

	mux.HandleFunc("GET /api/presence/online", s.hook(func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		writeJSON(w, map[string]any{"users": nonNil(s.presence.GetOnline(limit))})
	}))

	mux.HandleFunc("GET /api/presence/{user}", s.hook(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.presence.Get(r.PathValue("user"))
		if !ok {
			writeError(w, errs.NotFound("no presence for %s", r.PathValue("user")))
			return
		}
		writeJSON(w, rec)
	}))

	mux.HandleFunc("GET /api/calls/{id}", s.hook(func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.calls.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	}))

	mux.HandleFunc("GET /api/users/{user}/notifications", s.hook(func(w http.ResponseWriter, r *http.Request) {
		unread := r.URL.Query().Get("unread") == "1"
		list, err := s.db.ListNotifications(r.Context(), r.PathValue("user"), unread, queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"notifications": nonNil(list)})
	}))

	mux.HandleFunc("GET /api/users/{user}/undelivered", s.hook(func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.db.UndeliveredFor(r.Context(), r.PathValue("user"), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"messages": nonNil(msgs)})
	}))
}

// hook guards server-to-server routes with the shared secret.
func (s *Server) hook(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.hooks == nil {
			writeError(w, errs.Forbidden("hooks are disabled; set hooks.secret_hash"))
			return
		}
		if !s.hooks.Verify(r.Header.Get(proto.HookHeader)) {
			writeError(w, errs.Unauthenticated("missing or wrong %s header", proto.HookHeader))
			return
		}
		next(w, r)
	}
}

// handleHookPost registers a hook-guarded JSON POST handler.
func handleHookPost[T any](s *Server, mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(pattern, s.hook(func(w http.ResponseWriter, r *http.Request) {
		var req T
		dec := json.NewDecoder(io.LimitReader(r.Body, maxHookBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, errs.InvalidArgument("bad json: %v", err))
			return
		}
		fn(w, r, req)
	}))
}

func roomAndUser(r *http.Request) (string, string, error) {
	room, err := util.ValidateID("room", r.PathValue("room"))
	if err != nil {
		return "", "", errs.InvalidArgument("%v", err)
	}
	user, err := util.ValidateID("user", r.PathValue("user"))
	if err != nil {
		return "", "", errs.InvalidArgument("%v", err)
	}
	return room, user, nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case errs.CodeForbidden:
		status = http.StatusForbidden
	case errs.CodeInvalidState:
		status = http.StatusConflict
	case errs.CodeInvalidArgument:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError && !errors.Is(err, errs.ErrBackpressureDrop) {
		log.Errorf("request failed: %v", err)
	}
	writeJSONStatus(w, status, map[string]string{"code": string(code), "message": errs.MessageOf(err)})
}
