package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/claw-office/internal/audit"
	"github.com/basket/claw-office/internal/channels"
	"github.com/basket/claw-office/internal/coordinator"
)

const (
	webhookPath         = "/api/telegram/webhook"
	webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// handleTelegramWebhook receives Bot API updates. Telegram retries anything
// other than a 200, so every accepted delivery answers "OK" even when the
// update is ignored or fails to record.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"service":   serviceName + " Telegram Webhook",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	ctx := r.Context()
	if secret := s.current().Telegram.WebhookSecret; secret != "" {
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			audit.Record(ctx, "telegram.webhook", audit.DecisionDeny, "secret token mismatch", r.RemoteAddr)
			s.logger.Warn("webhook: rejected delivery", "remote", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.logger.Warn("webhook: undecodable update", "error", err)
		writeOK(w)
		return
	}
	in, ok := channels.ParseUpdate(update)
	if !ok {
		writeOK(w)
		return
	}
	if in.MessageID != 0 {
		if id, hit := s.seen.Get(in.MessageID); hit {
			s.logger.Debug("webhook: duplicate delivery", "tg_message_id", in.MessageID, "request_id", id)
			writeOK(w)
			return
		}
	}

	res, err := s.coord.IngestWebhook(ctx, coordinator.WebhookMessage{
		MessageID: in.MessageID,
		Text:      in.Text,
		Sender:    in.Sender,
	})
	if err != nil {
		s.logger.Error("webhook: ingest failed", "tg_message_id", in.MessageID, "error", err)
		writeOK(w)
		return
	}
	if in.MessageID != 0 {
		s.seen.Add(in.MessageID, res.RequestID)
	}
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
