package messaging

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/ravenloper/score-de-riqueza-bot/internal/metrics"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
)

// DefaultDispatchWorkers is the worker count used when none is configured.
const DefaultDispatchWorkers = 8

// MessageHandler processes one inbound message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.Response) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg models.Response) error

// HandleMessage calls f.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg models.Response) error {
	return f(ctx, msg)
}

// Dispatcher reads a service's Responses and hands them to a MessageHandler.
// Messages are sharded by sender, so one sender's messages are handled in
// arrival order while different senders run concurrently.
type Dispatcher struct {
	service Service
	handler MessageHandler
	workers int
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(service Service, handler MessageHandler, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultDispatchWorkers
	}
	return &Dispatcher{service: service, handler: handler, workers: workers}
}

func shardFor(from string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(from))
	return int(h.Sum32() % uint32(n))
}

// Run dispatches until ctx is cancelled or the service closes its channels.
// Messages already queued to a worker are still handled before Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	queues := make([]chan models.Response, d.workers)
	var wg sync.WaitGroup
	// In-flight turns finish even when shutdown starts mid-turn.
	handleCtx := context.WithoutCancel(ctx)
	for i := range queues {
		queues[i] = make(chan models.Response, DefaultChannelBufferSize)
		wg.Add(1)
		go func(q <-chan models.Response) {
			defer wg.Done()
			for msg := range q {
				d.handle(handleCtx, msg)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		slog.Info("Dispatcher.Run: stopped")
	}()

	responses := d.service.Responses()
	receipts := d.service.Receipts()
	for responses != nil || receipts != nil {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if msg.From == "" {
				slog.Debug("Dispatcher.Run: empty sender, ignoring")
				continue
			}
			select {
			case queues[shardFor(msg.From, d.workers)] <- msg:
			case <-ctx.Done():
				return
			}
		case rc, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			metrics.Receipts.WithLabelValues(string(rc.Status)).Inc()
			slog.Debug("Dispatcher.Run: receipt", "to", rc.To, "status", rc.Status)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg models.Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.handle: panic while handling message", "from", msg.From, "panic", r)
		}
	}()
	if err := d.handler.HandleMessage(ctx, msg); err != nil {
		slog.Error("Dispatcher.handle: handler failed", "from", msg.From, "id", msg.ID, "error", err)
	}
}
