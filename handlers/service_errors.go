package handlers

import (
	"net"
	"net/http"

	"github.com/upb/careportal-auth/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses. Request
// validation errors become 400 with per-field details.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}
	if utils.IsValidationError(err) {
		HandleValidationError(w, err, logger)
		return
	}
	utils.WriteServiceError(w, err, logger)
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var details map[string]interface{}
	if fields := utils.GetValidationFields(err); len(fields) > 0 {
		details = make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
	}
	if werr := utils.WriteBadRequest(w, err.Error(), details); werr != nil {
		logger.Error("failed to write validation error response", zap.Error(werr))
	}
}

// clientIP returns the caller address without its port. chi's RealIP
// middleware has already replaced RemoteAddr with the forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
