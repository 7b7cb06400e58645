package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ravenloper/score-de-riqueza-bot/internal/metrics"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/twiliowhatsapp"
)

const providerTwilio = "twilio"

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	*eventStream
	client twiliowhatsapp.Sender // real Twilio client or MockClient
	// mediaBaseURL is the public URL under which report files are served.
	mediaBaseURL string
}

var (
	_ Service       = (*TwilioService)(nil)
	_ WebhookRoutes = (*TwilioService)(nil)
)

// NewTwilioService creates a TwilioService. publicBaseURL must point at this
// server so Twilio can fetch documents from /reports/.
func NewTwilioService(client twiliowhatsapp.Sender, publicBaseURL string) *TwilioService {
	base := strings.TrimSuffix(publicBaseURL, "/")
	if base != "" {
		base += "/reports/"
	}
	return &TwilioService{
		eventStream:  newEventStream("TwilioService"),
		client:       client,
		mediaBaseURL: base,
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return validateRecipient("TwilioService", recipient)
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: validation error", "error", err, "to", to)
		return err
	}

	err = s.client.SendMessage(ctx, canonicalTo, body)
	metrics.Outbound.WithLabelValues("text", metrics.Status(err)).Inc()
	if err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// MediaURL returns the public URL Twilio fetches for the report at path.
func (s *TwilioService) MediaURL(path string) (string, error) {
	if s.mediaBaseURL == "" {
		return "", fmt.Errorf("public base URL not configured; Twilio cannot fetch documents")
	}
	return s.mediaBaseURL + url.PathEscape(filepath.Base(path)), nil
}

// SendDocument sends the report as a media message. Twilio downloads the
// file from the public /reports/ route, so filename is not transmitted.
func (s *TwilioService) SendDocument(ctx context.Context, to string, path string, filename string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	mediaURL, err := s.MediaURL(path)
	if err != nil {
		return err
	}

	err = s.client.SendMedia(ctx, canonicalTo, "", mediaURL)
	metrics.Outbound.WithLabelValues("document", metrics.Status(err)).Inc()
	if err != nil {
		return err
	}
	slog.Debug("TwilioService.SendDocument: sent", "to", canonicalTo, "mediaURL", mediaURL)
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for incoming messages
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// RegisterWebhooks mounts the Twilio inbound and status callback route.
func (s *TwilioService) RegisterWebhooks(r chi.Router) {
	r.Post("/webhook/twilio", s.TwilioWebhookHandler)
}

var twilioStatusMap = map[string]models.MessageStatus{
	"sent":        models.MessageStatusSent,
	"delivered":   models.MessageStatusDelivered,
	"read":        models.MessageStatusRead,
	"failed":      models.MessageStatusFailed,
	"undelivered": models.MessageStatusFailed,
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// Messages become Responses and status callbacks become Receipts.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		metrics.Inbound.WithLabelValues(providerTwilio, "invalid").Inc()
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if status := r.FormValue("MessageStatus"); status != "" && r.FormValue("Body") == "" {
		if ms, ok := twilioStatusMap[status]; ok {
			s.emitReceipt(models.Receipt{To: CanonicalizePhone(r.FormValue("To")), Status: ms, Time: time.Now().Unix()})
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	from := CanonicalizePhone(r.FormValue("From"))
	if from == "" {
		slog.Debug("TwilioService.TwilioWebhookHandler: missing sender, ignoring")
		metrics.Inbound.WithLabelValues(providerTwilio, "ignored").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	response := models.Response{
		ID:   r.FormValue("MessageSid"),
		From: from,
		Body: strings.TrimSpace(r.FormValue("Body")),
		Time: time.Now().Unix(),
	}
	slog.Info("Inbound WhatsApp message from Twilio", "from", response.From, "sid", response.ID)
	if s.emitResponse(response) {
		metrics.Inbound.WithLabelValues(providerTwilio, "accepted").Inc()
	}

	// Empty TwiML: replies go out through the REST API.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
