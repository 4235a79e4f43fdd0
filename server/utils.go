package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/Citiga/BetterRaid/dashboard"
	"github.com/Citiga/BetterRaid/raid"
	"github.com/Citiga/BetterRaid/store"
	"github.com/Citiga/BetterRaid/twitchapi"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 16

// writeJSON encodes v with status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// errorStatus maps command errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidChannel):
		return http.StatusBadRequest
	case errors.Is(err, raid.ErrDuplicateChannel):
		return http.StatusConflict
	case errors.Is(err, raid.ErrUnknownChannel), errors.Is(err, dashboard.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, raid.ErrNoSourceChannel), errors.Is(err, twitchapi.ErrNoUserToken):
		return http.StatusPreconditionFailed
	}
	var he *twitchapi.HelixError
	if errors.As(err, &he) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError writes err as {"error": "..."} with the mapped status code.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

// getEnvInt returns an integer environment variable value or default if not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}
