package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/farmgpt/krishimitra/internal/conversation"
	"github.com/farmgpt/krishimitra/internal/voice/playback"
)

// TogglePlayback stops speech if the assistant is speaking, otherwise
// speaks the last assistant turn again. A running recording period is
// ended before speaking so the microphone does not pick up the answer.
func (o *Orchestrator) TogglePlayback(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.speaking {
		o.cancelSpeechLocked()
	} else if t, ok := o.session.LastAssistant(); ok {
		o.teardownListeningLocked()
		o.speakLocked(t.Content)
	}
	o.unlock()
	return nil
}

// speakLocked starts speaking text in the active language.
func (o *Orchestrator) speakLocked(text string) {
	lang := o.session.Language()
	if o.speaker == nil {
		o.notifyLocked(LevelError, conversation.Message(lang, conversation.MsgSpeechUnsupported))
		return
	}
	o.stopRelistenLocked()
	o.speakGen++
	gen := o.speakGen

	done, err := o.speaker.Speak(o.ctx, text, lang)
	if err != nil {
		slog.Warn("orchestrator: speak", "err", err, "lang", lang)
		key := conversation.MsgPlaybackError
		if errors.Is(err, playback.ErrUnsupported) {
			key = conversation.MsgSpeechUnsupported
		}
		o.notifyLocked(LevelError, conversation.Message(lang, key))
		return
	}
	o.speaking = true
	o.dirty = true

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.finishSpeech(gen, <-done)
	}()
}

func (o *Orchestrator) finishSpeech(gen uint64, err error) {
	o.mu.Lock()
	if gen != o.speakGen {
		o.mu.Unlock()
		return
	}
	o.speaking = false
	o.dirty = true

	switch {
	case errors.Is(err, playback.ErrCanceled), errors.Is(err, context.Canceled):
	case err != nil:
		slog.Warn("orchestrator: playback failed", "err", err)
		o.notifyLocked(LevelError, conversation.Message(o.session.Language(), conversation.MsgPlaybackError))
	case o.dialogOpen && o.micAvailable && !o.processing && o.session.Len() > 1:
		o.relisten = o.clk.AfterFunc(o.relistenDelay, func() { o.relistenFire(gen) })
	}
	o.unlock()
}

// relistenFire restarts listening after speech, provided nothing has
// happened since that speech ended.
func (o *Orchestrator) relistenFire(gen uint64) {
	o.mu.Lock()
	if o.closed || gen != o.speakGen || o.relisten == nil {
		o.mu.Unlock()
		return
	}
	o.relisten = nil
	if !o.dialogOpen || o.canListenLocked() != nil {
		o.mu.Unlock()
		return
	}
	l := o.startListeningLocked(true)
	o.unlock()
	o.launch(l)
}

// cancelSpeechLocked stops any utterance and any pending relisten.
func (o *Orchestrator) cancelSpeechLocked() {
	o.stopRelistenLocked()
	if !o.speaking {
		return
	}
	o.speakGen++
	o.speaking = false
	o.dirty = true
	o.speaker.Cancel()
}

func (o *Orchestrator) stopRelistenLocked() {
	if o.relisten != nil {
		o.relisten.Stop()
		o.relisten = nil
	}
}
