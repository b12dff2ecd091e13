// Package dispatch implements the per-message pipeline: control-command
// detection, session resolution, deduplication, run resumption or intent
// classification, and reply delivery back through the channel adapter.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flowrelay/FlowRelay/internal/engine"
	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
	"github.com/flowrelay/FlowRelay/internal/session"
)

// FallbackFlowID names the system-critical flow started when no flow matches
// a classified intent or a run dies on a definition defect. It is seeded at
// startup and cannot be disabled.
const FallbackFlowID = "help"

// Canned texts for the paths that must never go silent.
const (
	restartConfirmation = "Okay, let's start over. What can I help you with?"
	defectApology       = "Sorry, something went wrong on our side."
	disambiguationLead  = "I'm not sure what you need. Did you mean one of these?"
	noMatchText         = "I'm not sure how to help with that yet."
)

// Sender delivers outbound messages for one platform.
type Sender interface {
	Send(ctx context.Context, sessionKey string, msg models.OutboundMessage) error
}

// IntentRouter is the classification seam the dispatcher routes cold messages
// through.
type IntentRouter interface {
	Route(ctx context.Context, text, module, language string) *models.IntentClassification
}

// RunStore is the slice of the store the dispatcher needs for cancellation.
type RunStore interface {
	GetRun(id string) (*models.FlowRun, error)
	SaveRun(run models.FlowRun) error
}

// Dispatcher owns the inbound message pipeline.
type Dispatcher struct {
	sessions *session.Manager
	flows    *flow.Registry
	engine   *engine.Engine
	router   IntentRouter
	runs     RunStore

	mu      sync.Mutex
	senders map[models.Platform]Sender
	cancels map[string]context.CancelFunc
}

// NewDispatcher wires the message pipeline.
func NewDispatcher(sessions *session.Manager, flows *flow.Registry, eng *engine.Engine, router IntentRouter, runs RunStore) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		flows:    flows,
		engine:   eng,
		router:   router,
		runs:     runs,
		senders:  make(map[models.Platform]Sender),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// RegisterSender attaches the outbound side of a channel adapter.
func (d *Dispatcher) RegisterSender(platform models.Platform, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[platform] = s
}

// HandleInbound processes one normalized inbound message end to end. Turns for
// the same session are serialized; errors are terminal for the turn but never
// for the dispatcher.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	if _, ok := session.DetectControlCommand(msg.Text); ok {
		return d.handleRestart(ctx, msg)
	}

	unlock := d.sessions.Lock(msg.SessionKey)
	defer unlock()

	sess, err := d.sessions.Resolve(msg.SessionKey, msg.Platform)
	if err != nil {
		return fmt.Errorf("failed to resolve session %s: %w", msg.SessionKey, err)
	}

	if d.sessions.IsDuplicate(sess, msg.Text, messageTime(msg)) {
		slog.Info("Dispatcher dropped duplicate inbound message", "sessionKey", sess.Key)
		return d.sessions.Save(sess)
	}
	if err := d.sessions.Save(sess); err != nil {
		return err
	}

	tctx, cancel := context.WithCancel(ctx)
	d.registerCancel(sess.Key, cancel)
	defer d.clearCancel(sess.Key, cancel)

	if sess.ActiveRunID != "" {
		return d.resumeRun(tctx, sess, msg)
	}
	return d.startForIntent(tctx, sess, msg)
}

// handleRestart aborts whatever the session is doing. The in-flight turn, if
// any, is cancelled before the session lock is taken so a stuck executor
// cannot block the escape hatch.
func (d *Dispatcher) handleRestart(ctx context.Context, msg models.InboundMessage) error {
	d.cancelInFlight(msg.SessionKey)

	unlock := d.sessions.Lock(msg.SessionKey)
	defer unlock()

	sess, err := d.sessions.Resolve(msg.SessionKey, msg.Platform)
	if err != nil {
		return fmt.Errorf("failed to resolve session %s: %w", msg.SessionKey, err)
	}

	// Redelivered control commands dedup like any other message; cancelling
	// twice is harmless, confirming twice is not.
	if d.sessions.IsDuplicate(sess, msg.Text, messageTime(msg)) {
		slog.Info("Dispatcher dropped duplicate restart command", "sessionKey", sess.Key)
		return d.sessions.Save(sess)
	}

	if sess.ActiveRunID != "" {
		run, err := d.runs.GetRun(sess.ActiveRunID)
		if err != nil {
			slog.Error("Dispatcher failed to load run for restart", "error", err, "runID", sess.ActiveRunID)
		}
		if run != nil && run.Status == models.RunStatusActive {
			run.Status = models.RunStatusCancelled
			run.UpdatedAt = time.Now()
			if err := d.runs.SaveRun(*run); err != nil {
				slog.Error("Dispatcher failed to persist cancelled run", "error", err, "runID", run.ID)
			}
		}
		sess.ActiveRunID = ""
	}
	if err := d.sessions.Save(sess); err != nil {
		return err
	}

	slog.Info("Dispatcher restarted session", "sessionKey", sess.Key)
	return d.send(ctx, sess, models.OutboundMessage{Text: restartConfirmation})
}

// resumeRun feeds the message into the session's suspended run.
func (d *Dispatcher) resumeRun(ctx context.Context, sess *models.Session, msg models.InboundMessage) error {
	run, err := d.runs.GetRun(sess.ActiveRunID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", sess.ActiveRunID, err)
	}
	if run == nil || run.Status != models.RunStatusActive {
		slog.Warn("Dispatcher found stale active run reference, reclassifying", "sessionKey", sess.Key, "runID", sess.ActiveRunID)
		sess.ActiveRunID = ""
		if err := d.sessions.Save(sess); err != nil {
			return err
		}
		return d.startForIntent(ctx, sess, msg)
	}

	def := d.flows.GetVersion(run.FlowID, run.FlowVersion)
	if def == nil {
		slog.Error("Dispatcher missing definition snapshot for run", "runID", run.ID, "flowID", run.FlowID, "version", run.FlowVersion)
		run.Status = models.RunStatusFailed
		run.UpdatedAt = time.Now()
		if err := d.runs.SaveRun(*run); err != nil {
			slog.Error("Dispatcher failed to persist failed run", "error", err, "runID", run.ID)
		}
		return d.recoverFromDefect(ctx, sess)
	}

	res, err := d.engine.Advance(ctx, run, def, msg.Text)
	return d.finishTurn(ctx, sess, res, err)
}

// startForIntent classifies the message and starts the matching flow.
func (d *Dispatcher) startForIntent(ctx context.Context, sess *models.Session, msg models.InboundMessage) error {
	cls := d.router.Route(ctx, msg.Text, sess.Module, sess.Language)
	if cls.Unclassified() {
		return d.send(ctx, sess, disambiguationMessage(cls.Candidates))
	}

	def := d.flows.Resolve(cls.Intent, sess.Module)
	if def == nil {
		slog.Warn("Dispatcher found no flow for intent", "intent", cls.Intent, "module", sess.Module)
		def = d.flows.Get(FallbackFlowID)
		if def == nil {
			return d.send(ctx, sess, models.OutboundMessage{Text: noMatchText})
		}
	}

	res, err := d.engine.StartRun(ctx, def, sess.Key, seedContext(sess, cls))
	return d.finishTurn(ctx, sess, res, err)
}

// finishTurn settles the session's active-run pointer after an engine turn and
// delivers the replies. Cancellation discards the turn silently; a definition
// defect apologizes and redirects to the fallback flow.
func (d *Dispatcher) finishTurn(ctx context.Context, sess *models.Session, res *engine.TurnResult, err error) error {
	if err != nil {
		if errors.Is(err, models.ErrRunCancelled) || errors.Is(err, context.Canceled) {
			slog.Info("Dispatcher turn cancelled", "sessionKey", sess.Key)
			return nil
		}
		var defect *models.DefinitionDefectError
		if errors.As(err, &defect) {
			slog.Error("Dispatcher run hit definition defect", "sessionKey", sess.Key, "flowID", defect.FlowID, "state", defect.StateID, "detail", defect.Detail)
			sess.ActiveRunID = ""
			if serr := d.sessions.Save(sess); serr != nil {
				return serr
			}
			return d.recoverFromDefect(ctx, sess)
		}
		return err
	}

	if res.Suspended() {
		sess.ActiveRunID = res.Run.ID
	} else {
		sess.ActiveRunID = ""
	}
	if err := d.sessions.Save(sess); err != nil {
		return err
	}

	for _, reply := range res.Replies {
		if err := d.send(ctx, sess, reply); err != nil {
			return err
		}
	}
	return nil
}

// recoverFromDefect apologizes and drops the user into the fallback flow so a
// broken definition never strands the conversation.
func (d *Dispatcher) recoverFromDefect(ctx context.Context, sess *models.Session) error {
	if err := d.send(ctx, sess, models.OutboundMessage{Text: defectApology}); err != nil {
		return err
	}
	def := d.flows.Get(FallbackFlowID)
	if def == nil {
		return nil
	}
	res, err := d.engine.StartRun(ctx, def, sess.Key, seedContext(sess, nil))
	if err != nil {
		slog.Error("Dispatcher fallback flow failed", "error", err, "sessionKey", sess.Key)
		return nil
	}
	return d.finishTurn(ctx, sess, res, nil)
}

func (d *Dispatcher) send(ctx context.Context, sess *models.Session, msg models.OutboundMessage) error {
	d.mu.Lock()
	sender, ok := d.senders[sess.Platform]
	d.mu.Unlock()
	if !ok {
		slog.Error("Dispatcher has no sender for platform", "platform", sess.Platform)
		return fmt.Errorf("no sender registered for platform %s", sess.Platform)
	}
	if err := sender.Send(ctx, sess.Key, msg); err != nil {
		slog.Error("Dispatcher failed to send reply", "error", err, "sessionKey", sess.Key)
		return err
	}
	return nil
}

// messageTime prefers the channel's delivery timestamp over the local clock so
// redeliveries fingerprint into the same dedup bucket.
func messageTime(msg models.InboundMessage) time.Time {
	if msg.Time > 0 {
		return time.Unix(msg.Time, 0)
	}
	return time.Now()
}

func (d *Dispatcher) registerCancel(key string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels[key] = cancel
}

func (d *Dispatcher) clearCancel(key string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cancels, key)
	cancel()
}

func (d *Dispatcher) cancelInFlight(key string) {
	d.mu.Lock()
	cancel, ok := d.cancels[key]
	d.mu.Unlock()
	if ok {
		slog.Info("Dispatcher cancelling in-flight turn", "sessionKey", key)
		cancel()
	}
}

// seedContext builds the initial run context: the session identity fields and,
// when present, the classification that selected the flow.
func seedContext(sess *models.Session, cls *models.IntentClassification) map[string]any {
	seed := map[string]any{
		"session": map[string]any{
			"module":   sess.Module,
			"language": sess.Language,
			"token":    sess.AuthToken,
		},
	}
	if cls != nil {
		intent := map[string]any{
			"name":       cls.Intent,
			"confidence": cls.Confidence,
		}
		if len(cls.Entities) > 0 {
			intent["entities"] = cls.Entities
		}
		seed["intent"] = intent
	}
	return seed
}

// disambiguationMessage renders the candidate shortlist as buttons; with no
// candidates it degrades to a plain help prompt.
func disambiguationMessage(candidates []models.IntentCandidate) models.OutboundMessage {
	msg := models.OutboundMessage{Text: disambiguationLead}
	if len(candidates) == 0 {
		msg.Text = noMatchText + " Try asking for help."
		return msg
	}
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	for _, c := range candidates {
		msg.Buttons = append(msg.Buttons, models.Button{
			Label: humanizeIntent(c.Intent),
			Value: c.Intent,
		})
	}
	return msg
}

func humanizeIntent(intent string) string {
	return strings.ReplaceAll(intent, "_", " ")
}
