// Package messaging adapts WhatsApp providers to a common delivery and
// inbound event abstraction and dispatches inbound messages to the survey.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel before dropping the event
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted canonical number.
	minPhoneDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the digits-only form of a
	// WhatsApp number, or an error when it cannot be a valid recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendDocument sends the PDF at path to a recipient as a document named filename.
	SendDocument(ctx context.Context, to string, path string, filename string) error

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.Response
}

// WebhookRoutes is implemented by services that receive inbound traffic over HTTP.
type WebhookRoutes interface {
	RegisterWebhooks(r chi.Router)
}

// CanonicalizePhone strips everything but digits from a WhatsApp identity
// such as "whatsapp:+55 11 99999-0000".
func CanonicalizePhone(raw string) string {
	return phoneNumberRegex.ReplaceAllString(raw, "")
}

func validateRecipient(service, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := CanonicalizePhone(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// eventStream owns the receipt and response channels of a service. Emits
// never block longer than DefaultChannelTimeout and are dropped after stop.
type eventStream struct {
	name      string
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

func newEventStream(name string) *eventStream {
	return &eventStream{
		name:      name,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (e *eventStream) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// stop marks the stream stopped and closes both channels once. Emitters hold
// the read lock while sending, so no send can race the close.
func (e *eventStream) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.receipts)
	close(e.responses)
	slog.Info(e.name + " stopped and channels closed")
}

func (e *eventStream) emitReceipt(receipt models.Receipt) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+" receipts channel blocked, dropping receipt", "to", receipt.To, "status", receipt.Status)
	}
}

func (e *eventStream) emitResponse(response models.Response) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		slog.Warn(e.name+" dropping inbound response (service stopped)", "from", response.From)
		return false
	}
	select {
	case e.responses <- response:
		slog.Debug(e.name+" emitted inbound response", "from", response.From, "id", response.ID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.name+" responses channel blocked, dropping message", "from", response.From, "timeout", DefaultChannelTimeout)
		return false
	}
}
