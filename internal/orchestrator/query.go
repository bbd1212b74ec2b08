package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/farmgpt/krishimitra/internal/advisor"
	"github.com/farmgpt/krishimitra/internal/conversation"
	"github.com/farmgpt/krishimitra/internal/observe"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// SubmitText sends a typed question. Any running recording period is
// stopped first.
func (o *Orchestrator) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrClosed
	case o.processing:
		o.mu.Unlock()
		return ErrBusy
	}
	o.teardownListeningLocked()
	err := o.submitLocked(ctx, text)
	o.unlock()
	return err
}

// SubmitPrompt sends the suggested prompt at index for the active language.
func (o *Orchestrator) SubmitPrompt(ctx context.Context, index int) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrClosed
	case o.processing:
		o.mu.Unlock()
		return ErrBusy
	}
	prompts := conversation.SuggestedPrompts(o.session.Language())
	if index < 0 || index >= len(prompts) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPromptIndex, index)
	}
	o.teardownListeningLocked()
	err := o.submitLocked(ctx, prompts[index].Text)
	o.unlock()
	return err
}

// submitLocked appends text as a user turn and starts the AI query for it.
// ctx only carries trace context; the query itself is bounded by the
// orchestrator's lifetime and the AI timeout.
func (o *Orchestrator) submitLocked(ctx context.Context, text string) error {
	if err := o.session.AppendUser(text); err != nil {
		return fmt.Errorf("orchestrator: submit: %w", err)
	}
	o.processing = true
	o.hasError = false
	o.errorMessage = ""
	o.showSuggestions = false
	o.waterRelated = conversation.IsWaterRelated(text)
	o.dirty = true

	o.queryGen++
	gen := o.queryGen
	lang := o.session.Language()

	qctx, cancel := context.WithTimeout(o.ctx, o.aiTimeout)
	qctx = trace.ContextWithSpanContext(qctx, trace.SpanContextFromContext(ctx))
	qctx = observe.WithDialog(qctx, o.dialogID)
	o.queryCancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		qctx, span := observe.StartSpan(qctx, "orchestrator.query",
			trace.WithAttributes(
				attribute.String("lang", lang.String()),
				attribute.Bool("water_related", conversation.IsWaterRelated(text)),
			),
		)
		start := o.clk.Now()
		resp, err := o.advisor.Query(qctx, text, lang)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		o.finishQuery(qctx, gen, lang, resp, err, o.clk.Now().Sub(start))
	}()
	return nil
}

func (o *Orchestrator) finishQuery(ctx context.Context, gen uint64, lang types.Language, resp advisor.Response, err error, d time.Duration) {
	o.mu.Lock()
	if gen != o.queryGen {
		o.mu.Unlock()
		return
	}
	o.processing = false
	o.queryCancel = nil
	o.dirty = true

	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		observe.Logger(ctx).Warn("orchestrator: AI query failed", "err", err, "lang", lang, "duration", d)
		o.recorder.RecordQuery(o.ctx, lang.String(), outcome, d)
		if aerr := o.session.AppendAssistant(conversation.Fallback(lang), types.ConfidenceLow); aerr != nil {
			slog.Error("orchestrator: append fallback", "err", aerr)
		}
		o.recorder.RecordConfidence(o.ctx, lang.String(), types.ConfidenceLow)
		o.hasError = true
		o.errorMessage = err.Error()
		o.unlock()
		return
	}

	conf := o.classifier.Classify(resp.Text)
	if aerr := o.session.AppendAssistant(resp.Text, conf); aerr != nil {
		slog.Error("orchestrator: append answer", "err", aerr)
		o.unlock()
		return
	}
	observe.Logger(ctx).Info("orchestrator: answer received", "lang", lang, "confidence", conf, "duration", d)
	o.recorder.RecordQuery(o.ctx, lang.String(), "ok", d)
	o.recorder.RecordConfidence(o.ctx, lang.String(), conf)
	if resp.AudioResponse != "" && !o.speaking {
		o.speakLocked(resp.AudioResponse)
	}
	o.unlock()
}

// cancelQueryLocked abandons the query in flight. Its late result is
// ignored.
func (o *Orchestrator) cancelQueryLocked() {
	if !o.processing {
		return
	}
	o.queryGen++
	if o.queryCancel != nil {
		o.queryCancel()
		o.queryCancel = nil
	}
	o.processing = false
	o.dirty = true
}

// ── Conversation control ─────────────────────────────────────────────────────

// Clear ends listening, cancels speech and any query in flight, and starts
// a fresh conversation holding only the greeting.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	o.clearLocked(o.session.RequestedLanguage())
	o.unlock()
}

func (o *Orchestrator) clearLocked(tag string) {
	o.teardownListeningLocked()
	o.cancelSpeechLocked()
	o.cancelQueryLocked()
	o.session = o.store.Reset(tag)
	o.advisor.ClearHistory(o.session.Language())
	o.hasError = false
	o.errorMessage = ""
	o.showSuggestions = true
	o.waterRelated = false
	o.dirty = true
}

// SetLanguage switches the conversation language. When the normalized
// language changes, listening stops and the conversation is cleared.
func (o *Orchestrator) SetLanguage(tag string) {
	o.mu.Lock()
	old := o.session.Language()
	if types.ParseLanguage(tag) == old {
		o.mu.Unlock()
		return
	}
	o.clearLocked(tag)
	o.advisor.ClearHistory(old)
	slog.Info("orchestrator: language changed", "from", old, "to", o.session.Language(), "requested", tag)
	o.unlock()
}

// OpenDialog opens the conversation dialog. Only an open dialog restarts
// listening after speech.
func (o *Orchestrator) OpenDialog() {
	o.mu.Lock()
	if !o.dialogOpen && !o.closed {
		o.dialogOpen = true
		o.dialogID = uuid.NewString()
		o.dirty = true
		o.recorder.AddActiveDialogs(o.ctx, 1)
		slog.Info("orchestrator: dialog opened", "dialog_id", o.dialogID)
	}
	o.unlock()
}

// CloseDialog closes the dialog, cancelling speech and listening.
func (o *Orchestrator) CloseDialog() {
	o.mu.Lock()
	if o.dialogOpen {
		o.dialogOpen = false
		o.dirty = true
		o.recorder.AddActiveDialogs(o.ctx, -1)
		slog.Info("orchestrator: dialog closed", "dialog_id", o.dialogID)
	}
	o.cancelSpeechLocked()
	o.teardownListeningLocked()
	o.unlock()
}
