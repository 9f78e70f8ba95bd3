package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"proofwork/internal/models"
)

func adminFrom(r *http.Request) string {
	id, _ := r.Context().Value(contextKey("admin")).(string)
	return id
}

// audit appends one row to the operator/buyer action trail. Failures are
// logged, never surfaced: the mutation itself already committed.
func (s *Server) audit(r *http.Request, actorKind, actorID, action, subject string, detail any) {
	encoded := ""
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			encoded = string(raw)
		}
	}
	row := models.AuditLog{
		ID:        uuid.New(),
		ActorKind: actorKind,
		ActorID:   actorID,
		Action:    action,
		Subject:   subject,
		Detail:    encoded,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(r.Context()).Create(&row).Error; err != nil {
		s.log.Warn("audit append failed", "action", action, "error", err)
	}
}

func (s *Server) auditAdmin(r *http.Request, action, subject string, detail any) {
	s.audit(r, "admin", adminFrom(r), action, subject, detail)
}

func (s *Server) auditBuyer(r *http.Request, action, subject string, detail any) {
	s.audit(r, "buyer", orgIDFrom(r).String(), action, subject, detail)
}
