package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ravenloper/score-de-riqueza-bot/internal/metrics"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
)

const (
	// DefaultCloudAPIURL is the Graph API base used when none is configured.
	DefaultCloudAPIURL = "https://graph.facebook.com/v20.0"
	// maxWebhookBody caps inbound webhook payloads.
	maxWebhookBody   = 1 << 20
	providerCloudAPI = "cloudapi"
)

// CloudAPIOpts holds configuration for the WhatsApp Cloud API service.
type CloudAPIOpts struct {
	BaseURL     string
	PhoneID     string
	Token       string
	VerifyToken string
	HTTPClient  *http.Client
}

// CloudAPIOption defines a configuration option for CloudAPIService.
type CloudAPIOption func(*CloudAPIOpts)

// WithCloudAPIURL overrides the Graph API base URL.
func WithCloudAPIURL(url string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = url }
}

// WithPhoneID sets the sending phone number id.
func WithPhoneID(id string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneID = id }
}

// WithAccessToken sets the bearer token for Graph API calls.
func WithAccessToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.Token = token }
}

// WithVerifyToken sets the token expected by the webhook verification handshake.
func WithVerifyToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.VerifyToken = token }
}

// WithHTTPClient replaces the HTTP client used for Graph API calls.
func WithHTTPClient(c *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.HTTPClient = c }
}

// CloudAPIService implements Service on the Meta WhatsApp Cloud API. Inbound
// messages arrive through RegisterWebhooks.
type CloudAPIService struct {
	*eventStream
	baseURL     string
	phoneID     string
	token       string
	verifyToken string
	client      *http.Client
}

var (
	_ Service       = (*CloudAPIService)(nil)
	_ WebhookRoutes = (*CloudAPIService)(nil)
)

// NewCloudAPIService creates a Cloud API service. Token and phone id are required.
func NewCloudAPIService(opts ...CloudAPIOption) (*CloudAPIService, error) {
	var cfg CloudAPIOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" || cfg.PhoneID == "" {
		return nil, fmt.Errorf("cloud API token and phone id must be provided")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCloudAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	slog.Debug("CloudAPIService config loaded", "baseURL", cfg.BaseURL, "verifyToken_set", cfg.VerifyToken != "")
	return &CloudAPIService{
		eventStream: newEventStream("CloudAPIService"),
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		phoneID:     cfg.PhoneID,
		token:       cfg.Token,
		verifyToken: cfg.VerifyToken,
		client:      cfg.HTTPClient,
	}, nil
}

// ValidateAndCanonicalizeRecipient reduces a number to digits and requires at least six.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return validateRecipient("CloudAPIService", recipient)
}

// Start is a no-op; inbound traffic arrives over the webhook.
func (s *CloudAPIService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *CloudAPIService) Stop() error {
	s.stop()
	return nil
}

// Receipts returns the channel for receipt events.
func (s *CloudAPIService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for inbound messages.
func (s *CloudAPIService) Responses() <-chan models.Response {
	return s.responses
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudDocument struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
}

type cloudOutbound struct {
	MessagingProduct string         `json:"messaging_product"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *cloudText     `json:"text,omitempty"`
	Document         *cloudDocument `json:"document,omitempty"`
}

type cloudSendResult struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type cloudMediaResult struct {
	ID string `json:"id"`
}

// doRequest performs an authenticated Graph API call and decodes a 2xx JSON body into out.
func (s *CloudAPIService) doRequest(ctx context.Context, path, contentType string, body io.Reader, out interface{}) error {
	url := s.baseURL + "/" + s.phoneID + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("graph API %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode graph API response: %w", err)
		}
	}
	return nil
}

func (s *CloudAPIService) sendJSON(ctx context.Context, msg cloudOutbound) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	var result cloudSendResult
	if err := s.doRequest(ctx, "/messages", "application/json", bytes.NewReader(payload), &result); err != nil {
		return "", err
	}
	if len(result.Messages) > 0 {
		return result.Messages[0].ID, nil
	}
	return "", nil
}

// SendMessage sends a text message and emits a sent receipt.
func (s *CloudAPIService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("CloudAPIService.SendMessage: validation error", "error", err, "to", to)
		return err
	}

	id, err := s.sendJSON(ctx, cloudOutbound{
		MessagingProduct: "whatsapp",
		To:               canonicalTo,
		Type:             "text",
		Text:             &cloudText{Body: body},
	})
	metrics.Outbound.WithLabelValues("text", metrics.Status(err)).Inc()
	if err != nil {
		slog.Error("CloudAPIService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return fmt.Errorf("failed to send message to %s: %w", canonicalTo, err)
	}
	slog.Debug("CloudAPIService.SendMessage: sent", "to", canonicalTo, "messageID", id)
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// uploadMedia uploads a PDF to the phone number's media store and returns its id.
func (s *CloudAPIService) uploadMedia(ctx context.Context, path, filename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open document %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := mw.WriteField("type", "application/pdf"); err != nil {
		return "", err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to copy document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var result cloudMediaResult
	if err := s.doRequest(ctx, "/media", mw.FormDataContentType(), &buf, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("graph API media upload returned no id")
	}
	return result.ID, nil
}

// SendDocument uploads the PDF and sends it as a document message.
func (s *CloudAPIService) SendDocument(ctx context.Context, to string, path string, filename string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if filename == "" {
		filename = filepath.Base(path)
	}

	mediaID, err := s.uploadMedia(ctx, path, filename)
	if err == nil {
		_, err = s.sendJSON(ctx, cloudOutbound{
			MessagingProduct: "whatsapp",
			To:               canonicalTo,
			Type:             "document",
			Document:         &cloudDocument{ID: mediaID, Filename: filename},
		})
	}
	metrics.Outbound.WithLabelValues("document", metrics.Status(err)).Inc()
	if err != nil {
		slog.Error("CloudAPIService.SendDocument: send failed", "error", err, "to", canonicalTo)
		return fmt.Errorf("failed to send document to %s: %w", canonicalTo, err)
	}
	slog.Debug("CloudAPIService.SendDocument: sent", "to", canonicalTo, "mediaID", mediaID)
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// RegisterWebhooks mounts the verification handshake and the inbound webhook.
func (s *CloudAPIService) RegisterWebhooks(r chi.Router) {
	r.Get("/webhook/whatsapp", s.VerifyWebhookHandler)
	r.Post("/webhook/whatsapp", s.WebhookHandler)
}

// VerifyWebhookHandler answers the provider's subscription handshake. Both the
// Meta "hub.*" parameters and their bare names are accepted.
func (s *CloudAPIService) VerifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := firstNonEmpty(q.Get("hub.verify_token"), q.Get("verify_token"))
	challenge := firstNonEmpty(q.Get("hub.challenge"), q.Get("challenge"))

	if s.verifyToken == "" || token != s.verifyToken {
		slog.Warn("CloudAPIService.VerifyWebhookHandler: verify token mismatch")
		writeJSON(w, http.StatusForbidden, models.Error("invalid verification token"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// cloudWebhook covers both the Meta nested payload and the flat {from, text} form.
type cloudWebhook struct {
	From  string `json:"from"`
	Text  string `json:"text"`
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []cloudInbound `json:"messages"`
				Statuses []cloudStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudInbound struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      cloudText `json:"text"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
}

// WebhookHandler turns an inbound webhook into Responses and Receipts events.
func (s *CloudAPIService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	var payload cloudWebhook
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		slog.Warn("CloudAPIService.WebhookHandler: invalid JSON", "error", err)
		metrics.Inbound.WithLabelValues(providerCloudAPI, "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON payload"))
		return
	}

	responses, receipts := payload.events()
	for _, rc := range receipts {
		s.emitReceipt(rc)
	}
	accepted := 0
	for _, resp := range responses {
		if s.emitResponse(resp) {
			accepted++
			metrics.Inbound.WithLabelValues(providerCloudAPI, "accepted").Inc()
		}
	}

	if len(responses) == 0 && len(receipts) == 0 {
		slog.Debug("CloudAPIService.WebhookHandler: no sender in payload, ignoring")
		metrics.Inbound.WithLabelValues(providerCloudAPI, "ignored").Inc()
		writeJSON(w, http.StatusOK, models.APIResponse{Status: "ignored", Message: "no number"})
		return
	}
	writeJSON(w, http.StatusOK, models.Success(map[string]int{"accepted": accepted, "receipts": len(receipts)}))
}

// events flattens the payload. Messages without a usable sender and non-text
// messages are skipped.
func (p cloudWebhook) events() ([]models.Response, []models.Receipt) {
	var responses []models.Response
	var receipts []models.Receipt
	now := time.Now()

	if from := CanonicalizePhone(p.From); from != "" {
		responses = append(responses, models.Response{From: from, Body: strings.TrimSpace(p.Text), Time: now.Unix()})
	}
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				from := CanonicalizePhone(m.From)
				if from == "" {
					continue
				}
				if m.Type != "" && m.Type != "text" {
					slog.Debug("CloudAPIService ignoring non-text message", "from", from, "type", m.Type)
					continue
				}
				responses = append(responses, models.Response{
					ID:   m.ID,
					From: from,
					Body: strings.TrimSpace(m.Text.Body),
					Time: unixOrNow(m.Timestamp, now),
				})
			}
			for _, st := range change.Value.Statuses {
				status, ok := cloudStatusMap[st.Status]
				if !ok {
					continue
				}
				receipts = append(receipts, models.Receipt{
					To:     CanonicalizePhone(st.RecipientID),
					Status: status,
					Time:   unixOrNow(st.Timestamp, now),
				})
			}
		}
	}
	return responses, receipts
}

var cloudStatusMap = map[string]models.MessageStatus{
	"sent":      models.MessageStatusSent,
	"delivered": models.MessageStatusDelivered,
	"read":      models.MessageStatusRead,
	"failed":    models.MessageStatusFailed,
}

func unixOrNow(ts string, now time.Time) int64 {
	if v, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return v
	}
	return now.Unix()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// writeJSON writes response as JSON with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, response interface{}) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("messaging.writeJSON: failed to marshal JSON response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("messaging.writeJSON: failed to write response", "error", err)
	}
}
