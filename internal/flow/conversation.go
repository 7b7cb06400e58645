package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ravenloper/score-de-riqueza-bot/internal/metrics"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/store"
)

// SessionFinalizer runs the finalization of a completed session.
type SessionFinalizer interface {
	Finalize(ctx context.Context, sessionID string) error
}

// Conversation handles one inbound message at a time. Every turn reloads the
// user and session from the store, commits the transition, and only then
// replies. No conversation state is kept in memory between turns.
//
// Finalization runs in the background so the worker that committed the last
// answer is free for the next message.
type Conversation struct {
	store     store.Store
	sender    MessageSender
	finalizer SessionFinalizer

	bg       context.Context
	cancelBg context.CancelFunc
	running  sync.WaitGroup
}

// NewConversation creates the turn handler.
func NewConversation(st store.Store, sender MessageSender, finalizer SessionFinalizer) *Conversation {
	bg, cancel := context.WithCancel(context.Background())
	return &Conversation{store: st, sender: sender, finalizer: finalizer, bg: bg, cancelBg: cancel}
}

// Wait blocks until every background finalization has returned.
func (c *Conversation) Wait() {
	c.running.Wait()
}

// Close cancels background finalizations and waits for them. An interrupted
// finalization keeps its persisted step and is resumed by its retry job.
func (c *Conversation) Close() {
	c.cancelBg()
	c.running.Wait()
}

// HandleMessage processes one inbound message. It implements messaging.MessageHandler.
func (c *Conversation) HandleMessage(ctx context.Context, msg models.Response) error {
	from := msg.From
	if from == "" {
		slog.Debug("Conversation.HandleMessage: empty sender, ignoring")
		return nil
	}
	text := strings.TrimSpace(msg.Body)

	user, err := c.store.GetOrCreateUser(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", from, err)
	}
	sess, err := c.store.GetOrCreateActiveSession(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to load session for user %s: %w", user.ID, err)
	}

	current := sess.State
	out := Advance(current, text)
	stage := current.Stage.String()

	if !out.Advanced {
		result := "reprompt"
		if out.Reply == MsgFallback {
			result = "fallback"
		}
		metrics.Turns.WithLabelValues(stage, result).Inc()
		slog.Debug("Conversation.HandleMessage: input rejected", "sessionID", sess.ID, "state", current.String())
		return c.reply(ctx, from, out.Reply)
	}

	if err := c.store.ApplyTurn(ctx, buildTurn(user, sess, out)); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			metrics.Turns.WithLabelValues(stage, "conflict").Inc()
			slog.Warn("Conversation.HandleMessage: state changed concurrently, dropping turn", "sessionID", sess.ID, "state", current.String())
			return nil
		}
		metrics.Turns.WithLabelValues(stage, "error").Inc()
		return err
	}
	metrics.Turns.WithLabelValues(stage, "advanced").Inc()
	slog.Debug("Conversation.HandleMessage: advanced", "sessionID", sess.ID, "from", current.String(), "to", out.Next.String())

	// The turn is committed; finalization starts even if the reply fails.
	if out.Finalize && c.finalizer != nil {
		c.finalizeAsync(sess.ID)
	}
	if out.Reply != "" {
		return c.reply(ctx, from, out.Reply)
	}
	return nil
}

func (c *Conversation) finalizeAsync(sessionID string) {
	c.running.Add(1)
	go func() {
		defer c.running.Done()
		if err := c.finalizer.Finalize(c.bg, sessionID); err != nil {
			slog.Error("Conversation: finalization failed", "sessionID", sessionID, "error", err)
		}
	}()
}

func (c *Conversation) reply(ctx context.Context, to, body string) error {
	if err := c.sender.SendMessage(ctx, to, body); err != nil {
		return fmt.Errorf("failed to reply to %s: %w", to, err)
	}
	return nil
}

// buildTurn turns an outcome into the store update for sess.
func buildTurn(user *models.User, sess *models.Session, out Outcome) store.TurnUpdate {
	next := *sess
	next.State = out.Next
	if out.Qualified != nil {
		next.Qualified = *out.Qualified
	}
	if out.Finalize {
		next.Status = models.SessionStatusCompleted
		next.FinalizationStep = models.FinalizationPending
	}
	update := store.TurnUpdate{Expected: sess.State, Session: &next}

	if out.Name != nil || out.Instagram != nil || out.Income != nil {
		u := *user
		if out.Name != nil {
			u.Name = *out.Name
		}
		if out.Instagram != nil {
			u.Instagram = *out.Instagram
		}
		if out.Income != nil {
			u.IncomeBracket = *out.Income
		}
		update.User = &u
	}
	if a := out.Answer; a != nil {
		update.Answer = &models.Answer{
			SessionID:      sess.ID,
			QuestionNumber: a.Question,
			PillarCode:     a.Pillar,
			Value:          a.Value,
		}
	}
	return update
}
