package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"StemFM/core/request"
	"StemFM/logger"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeRequestError 点歌错误只暴露错误码与聊天文案，内部错误一律 GENERIC
func writeRequestError(w http.ResponseWriter, err error) {
	var reqErr *request.RequestError
	switch {
	case errors.As(err, &reqErr):
		writeError(w, http.StatusUnprocessableEntity, string(reqErr.Code), reqErr.Code.Message())
	case errors.Is(err, request.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, request.ErrStaleSelection):
		writeError(w, http.StatusConflict, "STALE_SELECTION", err.Error())
	case errors.Is(err, request.ErrAlreadyPlaying),
		errors.Is(err, request.ErrAlreadyBumped),
		errors.Is(err, request.ErrInvalidState):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, request.ErrNoBumpTokens):
		writeError(w, http.StatusPaymentRequired, "NO_BUMP_TOKENS", err.Error())
	default:
		logger.Error("request handler failed", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, string(request.CodeGeneric), request.CodeGeneric.Message())
	}
}
