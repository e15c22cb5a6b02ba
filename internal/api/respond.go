package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-im/supportdesk/internal/apperr"
	"github.com/nexus-im/supportdesk/internal/auth"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}

// writeError answers with the error's public code and message. Causes are
// logged, never sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	switch {
	case status >= http.StatusInternalServerError:
		logEvent(r, zerolog.Ctx(r.Context()).Error().Err(err)).Msg("Request failed")
	case status == http.StatusTooManyRequests:
		logEvent(r, zerolog.Ctx(r.Context()).Warn()).Msg("Request rate limited")
	}

	var body errorBody
	body.Error.Code, body.Error.Message = apperr.Public(err)
	writeJSON(w, status, body)
}

func logEvent(r *http.Request, e *zerolog.Event) *zerolog.Event {
	actor := auth.ActorFromContext(r.Context())
	return e.Str("path", r.URL.Path).
		Str("role", string(actor.Role)).
		Int64("actor_id", actor.ID)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required", err)
		}
		return apperr.Validation("invalid request body", err)
	}
	return nil
}

// conversationID reads the {id} path variable, the buyer id that keys the
// conversation.
func conversationID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid conversation id", err)
	}
	return id, nil
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid "+name, err)
	}
	return n, nil
}

func queryBool(r *http.Request, name string, def bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}
