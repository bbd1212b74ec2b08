package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/farmgpt/krishimitra/internal/conversation"
	"github.com/farmgpt/krishimitra/internal/voice/capture"
	"github.com/farmgpt/krishimitra/internal/voice/level"
	"github.com/farmgpt/krishimitra/internal/voice/silence"
)

// StartListening begins a recording period. It is rejected without any state
// change when the microphone is unavailable, a query is being processed, the
// assistant is speaking or a recording is already running.
func (o *Orchestrator) StartListening(ctx context.Context) error {
	o.mu.Lock()
	if err := o.canListenLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	l := o.startListeningLocked(false)
	o.unlock()
	o.launch(l)
	return nil
}

// StopListening ends the current recording period, if any.
func (o *Orchestrator) StopListening() {
	o.mu.Lock()
	if o.listen == nil {
		o.mu.Unlock()
		return
	}
	o.teardownListeningLocked()
	o.unlock()
}

func (o *Orchestrator) canListenLocked() error {
	switch {
	case o.closed:
		return ErrClosed
	case !o.micAvailable:
		return ErrMicUnavailable
	case o.processing:
		return ErrBusy
	case o.speaking:
		return ErrSpeaking
	case o.listen != nil:
		return ErrAlreadyListening
	}
	return nil
}

// startListeningLocked sets up a recording period. The caller must pass the
// result to launch after releasing o.mu.
func (o *Orchestrator) startListeningLocked(afterSpeak bool) *listening {
	o.stopRelistenLocked()
	o.hasError = false
	o.errorMessage = ""
	o.recording = true
	o.audioLevel = 0
	o.listeningAfterSpeak = afterSpeak
	o.dirty = true

	l := &listening{}
	l.ctx, l.cancel = context.WithCancel(o.ctx)
	l.monitor = level.New(level.WithInterval(o.levelInterval))
	l.watchdog = silence.New(o.clk, func() { o.onSilence(l) },
		silence.WithThreshold(o.silenceThreshold),
		silence.WithTimeout(o.silenceTimeout),
	)
	l.capture = capture.New(o.recognizer, o.mic, o.session.Language(),
		capture.WithTap(l.monitor.PushPCM),
		capture.WithInterim(o.interim),
		capture.WithNotify(func(msg string) {
			o.mu.Lock()
			if o.listen == l {
				o.notifyLocked(LevelInfo, msg)
			}
			o.unlock()
		}),
	)
	o.listen = l
	l.watchdog.SetRecording(true)

	// Counted here, under o.mu, so Close cannot start waiting first.
	o.wg.Add(2)
	return l
}

// launch starts capture and the goroutines that follow it.
func (o *Orchestrator) launch(l *listening) {
	if err := l.capture.Start(l.ctx); err != nil {
		slog.Debug("orchestrator: capture not started", "err", err)
	}
	go func() {
		defer o.wg.Done()
		l.monitor.Run(l.ctx, func(v int) { o.observeLevel(l, v) })
	}()
	go func() {
		defer o.wg.Done()
		r, ok := <-l.capture.Results()
		o.finishListening(l, r, ok)
	}()
}

// observeLevel records a new input level for the recording period l.
func (o *Orchestrator) observeLevel(l *listening, v int) {
	o.mu.Lock()
	if o.listen != l {
		o.mu.Unlock()
		return
	}
	l.watchdog.Observe(v)
	if v != o.audioLevel {
		o.audioLevel = v
		lvl := v
		o.pending = append(o.pending, Event{Kind: EventLevel, Level: &lvl})
	}
	o.unlock()
}

func (o *Orchestrator) finishListening(l *listening, r capture.Result, ok bool) {
	o.mu.Lock()
	if o.listen != l {
		o.mu.Unlock()
		return
	}
	o.teardownListeningLocked()
	if !ok {
		o.unlock()
		return
	}

	lang := o.session.Language()
	switch {
	case errors.Is(r.Err, capture.ErrUnsupported):
		o.notifyLocked(LevelError, r.Message)
	case r.Err != nil:
		slog.Warn("orchestrator: recognition failed", "err", r.Err, "lang", lang)
		o.notifyLocked(LevelError, conversation.Message(lang, conversation.MsgRecognitionError, r.Message))
	case r.Text == "":
		o.notifyLocked(LevelError, conversation.Message(lang, conversation.MsgNoSpeech))
	default:
		slog.Info("orchestrator: speech recognized", "lang", lang, "chars", len(r.Text), "confidence", r.Confidence)
		if err := o.submitLocked(context.Background(), r.Text); err != nil {
			slog.Error("orchestrator: submit recognized speech", "err", err)
		}
	}
	o.unlock()
}

// teardownListeningLocked ends the current recording period. The capture
// session is stopped in the background since stopping may block while the
// recognizer flushes.
func (o *Orchestrator) teardownListeningLocked() {
	l := o.listen
	if l == nil {
		return
	}
	o.listen = nil
	o.recording = false
	o.audioLevel = 0
	o.listeningAfterSpeak = false
	o.dirty = true

	l.watchdog.Stop()
	l.monitor.Stop()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		l.capture.Stop()
		l.cancel()
	}()
}

// onSilence runs when the watchdog of l fires.
func (o *Orchestrator) onSilence(l *listening) {
	o.mu.Lock()
	if o.listen != l {
		o.mu.Unlock()
		return
	}
	o.teardownListeningLocked()
	o.notifyLocked(LevelInfo, conversation.Message(o.session.Language(), conversation.MsgSilenceStopped))
	o.recorder.RecordWatchdogFire(o.ctx)
	if o.cue && o.speaker != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.speaker.PlayCue(o.ctx); err != nil {
				slog.Debug("orchestrator: confirmation cue", "err", err)
			}
		}()
	}
	o.unlock()
}
