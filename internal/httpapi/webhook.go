package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/internal/bounty"
	"proofwork/internal/webhookauth"
)

// handleWebhook ingests signed billing events from a payment provider.
// Replayed event ids ack with 200 so the provider stops retrying; the billing
// ledger's event key makes the credit idempotent even across restarts.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "unreadable body")
		return
	}

	err = webhookauth.Verify(
		[]byte(s.cfg.Webhook.Secret),
		r.Header.Get(webhookauth.TimestampHeader),
		r.Header.Get(webhookauth.SignatureHeader),
		body,
		s.now(),
		s.cfg.Webhook.Tolerance.Duration,
	)
	if err != nil {
		s.fail(w, err)
		return
	}

	var event struct {
		ID          string    `json:"id"`
		Type        string    `json:"type"`
		OrgID       uuid.UUID `json:"orgId"`
		AmountCents int64     `json:"amountCents"`
		Detail      string    `json:"detail"`
	}
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid", "malformed event")
		return
	}

	if err := s.replays.MarkSeen(provider+":"+event.ID, s.now()); err != nil {
		if errors.Is(err, webhookauth.ErrReplayed) {
			writeJSON(w, http.StatusOK, map[string]any{"received": true, "replayed": true})
			return
		}
		s.fail(w, err)
		return
	}

	switch event.Type {
	case "payment.succeeded", "charge.succeeded", "payment_intent.succeeded":
		if event.OrgID == uuid.Nil || event.AmountCents <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_amount", "orgId and positive amountCents required")
			return
		}
		key := provider + "_evt_" + event.ID
		err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
			return bounty.Credit(tx, event.OrgID, event.AmountCents, key, "webhook_topup", event.Detail)
		})
		if err != nil {
			s.fail(w, err)
			return
		}
	default:
		s.log.Info("webhook event ignored", "provider", provider, "type", event.Type)
	}

	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}
