package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"StemFM/core/request"
	"StemFM/logger"
	"StemFM/model"

	"github.com/gorilla/mux"
)

type submitBody struct {
	Query         string `json:"query"`
	NoShenanigans bool   `json:"noShenanigans"`
	MaxDuration   int    `json:"maxDuration"`
	MinViews      int    `json:"minViews"`
	// Internal 仅 mod 可用：作为内部请求提交，不计入任何点歌人
	Internal bool `json:"internal"`
}

type positionalBody struct {
	Index int    `json:"index"`
	ID    int64  `json:"id"`
	Query string `json:"query,omitempty"`
}

type queueResponse struct {
	NowPlaying *model.SongRequest   `json:"nowPlaying"`
	Ready      []*model.SongRequest `json:"ready"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request id")
		return 0, false
	}
	return id, true
}

// submitHandler POST /api/requests
func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var body submitBody
	if !decodeBody(w, r, &body) {
		return
	}

	opts := request.SubmitOptions{
		NoShenanigans: body.NoShenanigans,
		MaxDuration:   body.MaxDuration,
		MinViews:      body.MinViews,
	}
	if body.Internal && !claims.IsMod() {
		writeError(w, http.StatusForbidden, "forbidden", "Moderator role required")
		return
	}
	if !body.Internal {
		requester := claims.Subject
		opts.Requester = &requester
		// 限制只能由 mod 放宽
		if !claims.IsMod() {
			opts.MaxDuration, opts.MinViews = 0, 0
		}
	}

	id, err := s.orch.Submit(r.Context(), body.Query, opts)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"id": id})
}

// listOwnHandler GET /api/requests/mine
func (s *Server) listOwnHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	own, err := s.orch.ListOwn(r.Context(), claims.Subject)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, own)
}

// matchOwnHandler GET /api/requests/mine/match?text=
func (s *Server) matchOwnHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	text := r.URL.Query().Get("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "text is required")
		return
	}
	match, err := s.orch.MatchOwn(r.Context(), claims.Subject, text)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if match == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No matching request")
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// replaceHandler POST /api/requests/replace
func (s *Server) replaceHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var body positionalBody
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.orch.Replace(r.Context(), claims.Subject, body.Index, body.ID, body.Query, request.SubmitOptions{})
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"id": id, "replaced": body.ID})
}

// bumpHandler POST /api/requests/bump
func (s *Server) bumpHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	var body positionalBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.orch.Bump(r.Context(), claims.Subject, body.Index, body.ID); err != nil {
		writeRequestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getHandler GET /api/requests/{id}
func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := s.orch.Get(r.Context(), id)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// removeHandler DELETE /api/requests/{id}
// mod 可以直接移除；点歌人必须带上看到的序号 ?index=
func (s *Server) removeHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var err error
	if claims.IsMod() {
		err = s.orch.Remove(r.Context(), id, model.CancelReasonModRemoved)
	} else {
		index, perr := strconv.Atoi(r.URL.Query().Get("index"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "index is required")
			return
		}
		err = s.orch.RemoveOwn(r.Context(), claims.Subject, index, id)
	}
	if err != nil {
		writeRequestError(w, err)
		return
	}
	logger.Info("request removed via api", logger.RequestID(id), logger.String("by", claims.Subject))
	w.WriteHeader(http.StatusNoContent)
}

// playingHandler POST /api/requests/{id}/playing
func (s *Server) playingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.orch.MarkPlaying(r.Context(), id); err != nil {
		writeRequestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fulfilledHandler POST /api/requests/{id}/fulfilled
func (s *Server) fulfilledHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.orch.MarkFulfilled(r.Context(), id); err != nil {
		writeRequestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queueHandler GET /api/queue
func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	playing, err := s.orch.NowPlaying(r.Context())
	if err != nil {
		writeRequestError(w, err)
		return
	}
	ready, err := s.orch.ReadyQueue(r.Context())
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if ready == nil {
		ready = []*model.SongRequest{}
	}
	writeJSON(w, http.StatusOK, queueResponse{NowPlaying: playing, Ready: ready})
}

// wheelHandler GET /api/wheel
func (s *Server) wheelHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.orch.Wheel(r.Context())
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// spinHandler POST /api/wheel/spin
func (s *Server) spinHandler(w http.ResponseWriter, r *http.Request) {
	entry, ok, err := s.orch.SpinWheel(r.Context(), nil)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "EMPTY_WHEEL", "Nobody has a ready request")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
