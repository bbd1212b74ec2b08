// Package orchestrator sequences the Krishi Mitra voice conversation.
//
// The [Orchestrator] owns the transcript and moves through listening,
// processing and speaking: a recognized utterance or typed question becomes a
// user turn, the advisor's answer becomes an assistant turn labelled with a
// confidence, and the answer is spoken. When speech ends and the dialog is
// still open, listening restarts after a short delay, giving a hands-free
// loop. A silence watchdog ends listening periods with no speech.
//
// Every asynchronous completion (recognition result, AI answer, end of
// speech, watchdog, relisten timer) re-enters under the orchestrator's mutex
// and is dropped if the period it belongs to has since ended.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/farmgpt/krishimitra/internal/advisor"
	"github.com/farmgpt/krishimitra/internal/clock"
	"github.com/farmgpt/krishimitra/internal/confidence"
	"github.com/farmgpt/krishimitra/internal/conversation"
	"github.com/farmgpt/krishimitra/internal/voice/capture"
	"github.com/farmgpt/krishimitra/internal/voice/level"
	"github.com/farmgpt/krishimitra/internal/voice/silence"
	"github.com/farmgpt/krishimitra/pkg/audio"
	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// Guard rejections. None of them changes any state.
var (
	ErrMicUnavailable   = errors.New("orchestrator: microphone not available")
	ErrBusy             = errors.New("orchestrator: a query is already being processed")
	ErrSpeaking         = errors.New("orchestrator: assistant is speaking")
	ErrAlreadyListening = errors.New("orchestrator: already listening")
	ErrEmptyInput       = errors.New("orchestrator: empty input")
	ErrPromptIndex      = errors.New("orchestrator: suggested prompt index out of range")
	ErrClosed           = errors.New("orchestrator: closed")
)

// Advisor is the AI query service.
type Advisor interface {
	// Query answers text as the next turn of lang's conversation.
	Query(ctx context.Context, text string, lang types.Language) (advisor.Response, error)

	// ClearHistory forgets lang's conversation.
	ClearHistory(lang types.Language)
}

// Speaker plays spoken answers and the confirmation cue.
type Speaker interface {
	// Speak preempts any utterance in flight. The channel yields exactly one
	// value when the new utterance ends.
	Speak(ctx context.Context, text string, lang types.Language) (<-chan error, error)
	Cancel()
	PlayCue(ctx context.Context) error
}

// Recorder receives domain metrics. Every method must be cheap and
// non-blocking.
type Recorder interface {
	RecordQuery(ctx context.Context, lang, outcome string, d time.Duration)
	RecordConfidence(ctx context.Context, lang string, c types.Confidence)
	RecordTransition(ctx context.Context, from, to string)
	RecordWatchdogFire(ctx context.Context)
	AddActiveDialogs(ctx context.Context, delta int64)
}

type noopRecorder struct{}

func (noopRecorder) RecordQuery(context.Context, string, string, time.Duration) {}
func (noopRecorder) RecordConfidence(context.Context, string, types.Confidence) {}
func (noopRecorder) RecordTransition(context.Context, string, string)           {}
func (noopRecorder) RecordWatchdogFire(context.Context)                         {}
func (noopRecorder) AddActiveDialogs(context.Context, int64)                    {}

// Timings holds the tunable delays and thresholds. Zero fields keep their
// current value.
type Timings struct {
	AITimeout        time.Duration
	RelistenDelay    time.Duration
	SilenceTimeout   time.Duration
	SilenceThreshold int
	LevelInterval    time.Duration
}

const (
	defaultAITimeout     = 30 * time.Second
	defaultRelistenDelay = 500 * time.Millisecond
	defaultLevelInterval = 16 * time.Millisecond
)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSpeaker sets the playback capability. Without one, answers are not
// spoken and a "not supported" notification is shown instead.
func WithSpeaker(s Speaker) Option {
	return func(o *Orchestrator) { o.speaker = s }
}

// WithRecognizer sets the speech recognition capability.
func WithRecognizer(rec stt.Provider, mic audio.Source) Option {
	return func(o *Orchestrator) {
		o.recognizer = rec
		o.mic = mic
	}
}

// WithClock sets the clock driving the watchdog and relisten timers.
func WithClock(clk clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = clk }
}

// WithLanguage sets the initial language tag. The default is "en".
func WithLanguage(tag string) Option {
	return func(o *Orchestrator) { o.initialTag = tag }
}

// WithTimings overrides the default delays and thresholds.
func WithTimings(t Timings) Option {
	return func(o *Orchestrator) { o.applyTimings(t) }
}

// WithConfirmationCue enables the beep played when the watchdog stops
// listening. It is enabled by default.
func WithConfirmationCue(on bool) Option {
	return func(o *Orchestrator) { o.cue = on }
}

// WithInterimTranscripts asks the recognizer for partial transcripts while
// listening.
func WithInterimTranscripts(on bool) Option {
	return func(o *Orchestrator) { o.interim = on }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithClassifier replaces the default confidence classifier.
func WithClassifier(c *confidence.Classifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

// listening is one recording period.
type listening struct {
	ctx      context.Context
	cancel   context.CancelFunc
	capture  *capture.Session
	monitor  *level.Monitor
	watchdog *silence.Watchdog
}

// Orchestrator is the conversation state machine.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	advisor    Advisor
	speaker    Speaker
	recognizer stt.Provider
	mic        audio.Source
	clk        clock.Clock
	recorder   Recorder
	classifier *confidence.Classifier
	store      *conversation.Store
	cue        bool
	interim    bool
	initialTag string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	mu     sync.Mutex
	closed bool

	aiTimeout        time.Duration
	relistenDelay    time.Duration
	silenceTimeout   time.Duration
	silenceThreshold int
	levelInterval    time.Duration

	session             *conversation.Session
	dialogID            string
	micAvailable        bool
	dialogOpen          bool
	showSuggestions     bool
	waterRelated        bool
	listeningAfterSpeak bool
	recording           bool
	processing          bool
	speaking            bool
	audioLevel          int
	hasError            bool
	errorMessage        string

	listen      *listening
	speakGen    uint64
	queryGen    uint64
	queryCancel context.CancelFunc
	relisten    clock.Timer

	pending   []Event
	dirty     bool
	lastState State
}

// New creates an Orchestrator answering through adv, which must not be nil.
// Voice input stays unavailable until [Orchestrator.Init] has probed the
// microphone.
func New(adv Advisor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		advisor:          adv,
		clk:              clock.Real(),
		recorder:         noopRecorder{},
		classifier:       confidence.New(),
		cue:              true,
		initialTag:       string(types.LanguageEnglish),
		subs:             make(map[int]func(Event)),
		aiTimeout:        defaultAITimeout,
		relistenDelay:    defaultRelistenDelay,
		silenceTimeout:   silence.DefaultTimeout,
		silenceThreshold: silence.DefaultThreshold,
		levelInterval:    defaultLevelInterval,
		showSuggestions:  true,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.store = conversation.NewStore(conversation.WithClock(o.clk))
	o.session = o.store.Session(o.initialTag)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func (o *Orchestrator) applyTimings(t Timings) {
	if t.AITimeout > 0 {
		o.aiTimeout = t.AITimeout
	}
	if t.RelistenDelay > 0 {
		o.relistenDelay = t.RelistenDelay
	}
	if t.SilenceTimeout > 0 {
		o.silenceTimeout = t.SilenceTimeout
	}
	if t.SilenceThreshold > 0 && t.SilenceThreshold <= 100 {
		o.silenceThreshold = t.SilenceThreshold
	}
	if t.LevelInterval > 0 {
		o.levelInterval = t.LevelInterval
	}
}

// Reconfigure changes timings at runtime. A running listening period picks
// up the new silence settings; the other values apply from the next use.
func (o *Orchestrator) Reconfigure(t Timings) {
	o.mu.Lock()
	o.applyTimings(t)
	if o.listen != nil {
		o.listen.watchdog.Reconfigure(o.silenceThreshold, o.silenceTimeout)
	}
	o.mu.Unlock()
	slog.Info("orchestrator: timings updated",
		"ai_timeout", t.AITimeout,
		"silence_timeout", t.SilenceTimeout,
		"silence_threshold", t.SilenceThreshold,
	)
}

// SetConfirmationCue turns the watchdog beep on or off.
func (o *Orchestrator) SetConfirmationCue(on bool) {
	o.mu.Lock()
	o.cue = on
	o.mu.Unlock()
}

// Init probes the microphone once. The returned error explains why voice
// input is unavailable; text input keeps working either way.
func (o *Orchestrator) Init(ctx context.Context) error {
	ok, err := capture.Probe(ctx, o.recognizer, o.mic)
	o.mu.Lock()
	o.micAvailable = ok
	o.dirty = true
	o.unlock()
	if err != nil {
		slog.Warn("orchestrator: voice input unavailable", "err", err)
	}
	return err
}

// ── Subscriptions ────────────────────────────────────────────────────────────

// Subscribe registers fn for every event and returns a function that
// removes it. Events are delivered in order on the goroutine that caused
// them; fn must not block and must not call back into the Orchestrator.
func (o *Orchestrator) Subscribe(fn func(Event)) (unsubscribe func()) {
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
		})
	}
}

func (o *Orchestrator) publish(evs []Event) {
	if len(evs) == 0 {
		return
	}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ev := range evs {
		for _, fn := range o.subs {
			fn(ev)
		}
	}
}

// unlock releases o.mu and publishes everything queued while it was held,
// followed by a snapshot if state changed.
func (o *Orchestrator) unlock() {
	evs := o.pending
	o.pending = nil
	if o.dirty {
		o.dirty = false
		snap := o.snapshotLocked()
		if snap.State != o.lastState {
			slog.Debug("orchestrator: state changed", "from", o.lastState, "to", snap.State)
			o.recorder.RecordTransition(o.ctx, o.lastState.String(), snap.State.String())
			o.lastState = snap.State
		}
		evs = append(evs, Event{Kind: EventSnapshot, Snapshot: &snap})
	}
	o.mu.Unlock()
	o.publish(evs)
}

func (o *Orchestrator) notifyLocked(lvl NotificationLevel, msg string) {
	if lvl == LevelError {
		slog.Warn("orchestrator: notification", "message", msg)
	} else {
		slog.Info("orchestrator: notification", "message", msg)
	}
	o.pending = append(o.pending, Event{
		Kind:         EventNotification,
		Notification: &Notification{Level: lvl, Message: msg},
	})
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		State:               deriveState(o.recording, o.processing, o.speaking),
		DialogID:            o.dialogID,
		Language:            o.session.Language(),
		RequestedLanguage:   o.session.RequestedLanguage(),
		Turns:               o.session.Turns(),
		Recording:           o.recording,
		Processing:          o.processing,
		Speaking:            o.speaking,
		AudioLevel:          o.audioLevel,
		HasError:            o.hasError,
		ErrorMessage:        o.errorMessage,
		MicAvailable:        o.micAvailable,
		DialogOpen:          o.dialogOpen,
		ShowSuggestions:     o.showSuggestions && o.session.Len() <= 1,
		WaterRelated:        o.waterRelated,
		ListeningAfterSpeak: o.listeningAfterSpeak,
	}
}

// Language returns the active language.
func (o *Orchestrator) Language() types.Language {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Language()
}

// Exchanges returns the answered questions of the current conversation.
func (o *Orchestrator) Exchanges() []types.Exchange {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()
	return s.Exchanges()
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Close stops listening, playback and any query in flight, cancels every
// timer and waits for background work to finish. Safe to call more than
// once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.teardownListeningLocked()
	o.cancelSpeechLocked()
	o.cancelQueryLocked()
	if o.dialogOpen {
		o.dialogOpen = false
		o.recorder.AddActiveDialogs(o.ctx, -1)
	}
	o.unlock()

	o.cancel()
	o.wg.Wait()
	return nil
}
