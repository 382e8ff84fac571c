package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/faults"
)

// writeJSON serializes v with a status code. Serialization failures are
// logged, not surfaced; the header is already gone by then.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encode failed", zap.Error(err))
	}
}

// writeError maps an error to its status code and the uniform
// {"error": "..."} body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// httpStatus maps fault categories to status codes. Auth and rate-limit
// model faults surface as client errors; transport-class model faults
// exhaust gateway retries first and then surface as a bad gateway.
func httpStatus(err error) int {
	if modelErr, ok := faults.AsModelError(err); ok {
		switch modelErr.Category {
		case faults.ModelAuth:
			return http.StatusUnauthorized
		case faults.ModelRateLimit:
			return http.StatusTooManyRequests
		case faults.ModelTimeout, faults.ModelNetwork, faults.ModelUnavailable:
			return http.StatusBadGateway
		default:
			return http.StatusInternalServerError
		}
	}
	if skillErr, ok := faults.AsSkillError(err); ok {
		switch skillErr.Category {
		case faults.SkillNotFound:
			return http.StatusNotFound
		case faults.SkillInvalidParams:
			return http.StatusBadRequest
		case faults.SkillDisabled:
			return http.StatusConflict
		default:
			return http.StatusInternalServerError
		}
	}
	if schedErr, ok := faults.AsSchedulerError(err); ok {
		switch schedErr.Category {
		case faults.SchedulerNotFound:
			return http.StatusNotFound
		case faults.SchedulerInvalidCron:
			return http.StatusBadRequest
		default: // ALREADY_ENABLED / ALREADY_DISABLED
			return http.StatusConflict
		}
	}
	if actErr, ok := faults.AsActuatorError(err); ok {
		if actErr.Category == faults.ActuatorPermission {
			return http.StatusForbidden
		}
		return http.StatusInternalServerError
	}
	if _, ok := faults.AsParseError(err); ok {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// decodeBody unmarshals a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// statusRecorder captures the status code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withLogging wraps a handler with request logging. The websocket
// endpoint is skipped: its connection outlives the request log's value.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/agent" {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(started)))
	})
}
