package handlers

import (
	"context"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/services"
)

// AuditRecorder receives security audit entries. Implementations must not
// block the request.
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, *models.AuditLog) {}

func recorderOrNop(a AuditRecorder) AuditRecorder {
	if a == nil {
		return nopRecorder{}
	}
	return a
}

// auditEntry starts an entry stamped with the request's id and client
func auditEntry(r *http.Request, action models.AuditAction) *models.AuditLog {
	return models.NewAuditLog(action).
		WithRequest(chimw.GetReqID(r.Context()), clientIP(r), r.UserAgent())
}

// auditFailure marks entry as rejected with the domain error code of err.
// details are extra key/value pairs stored next to the code.
func auditFailure(entry *models.AuditLog, err error, details ...string) *models.AuditLog {
	code := services.GetErrorCode(err)
	if code == "" {
		code = "INTERNAL"
	}
	entry.Failed(code)
	if len(details) > 1 {
		m := map[string]string{"code": code}
		for i := 0; i+1 < len(details); i += 2 {
			m[details[i]] = details[i+1]
		}
		entry.WithDetails(m)
	}
	return entry
}

// withSubject sets the entry's user from a token subject, if it parses
func withSubject(entry *models.AuditLog, subject string) *models.AuditLog {
	if id, err := uuid.Parse(subject); err == nil {
		entry.WithUser(id)
	}
	return entry
}
