package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/farmgpt/krishimitra/pkg/audio"
	"github.com/farmgpt/krishimitra/pkg/provider/llm"
	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/provider/tts"
	"github.com/farmgpt/krishimitra/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AudioDevices is the microphone and speaker pair produced by an audio
// factory. Either may be nil when the platform lacks it.
type AudioDevices struct {
	Source audio.Source
	Sink   audio.Sink
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	llm   map[string]func(ProviderEntry) (llm.Provider, error)
	stt   map[string]func(ProviderEntry) (stt.Provider, error)
	tts   map[string]func(ProviderEntry) (tts.Provider, error)
	vad   map[string]func(ProviderEntry) (vad.Engine, error)
	audio map[string]func(ProviderEntry) (AudioDevices, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:   make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt:   make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts:   make(map[string]func(ProviderEntry) (tts.Provider, error)),
		vad:   make(map[string]func(ProviderEntry) (vad.Engine, error)),
		audio: make(map[string]func(ProviderEntry) (AudioDevices, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	register(r, r.llm, name, factory)
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	register(r, r.stt, name, factory)
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	register(r, r.tts, name, factory)
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	register(r, r.vad, name, factory)
}

// RegisterAudio registers an audio device factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (AudioDevices, error)) {
	register(r, r.audio, name, factory)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, "llm", entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	return create(r, r.vad, "vad", entry)
}

// CreateAudio opens the audio devices registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (AudioDevices, error) {
	return create(r, r.audio, "audio", entry)
}

func register[T any](r *Registry, m map[string]func(ProviderEntry) (T, error), name string, factory func(ProviderEntry) (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m[name] = factory
}

func create[T any](r *Registry, m map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

// ── Option helpers ───────────────────────────────────────────────────────────

// OptString returns the string option key from entry.Options, or def.
func OptString(entry ProviderEntry, key, def string) string {
	if v, ok := entry.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// OptInt returns the integer option key from entry.Options, or def. YAML
// numbers decode as int or float64; both are accepted.
func OptInt(entry ProviderEntry, key string, def int) int {
	switch v := entry.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// OptBool returns the boolean option key from entry.Options, or def.
func OptBool(entry ProviderEntry, key string, def bool) bool {
	if v, ok := entry.Options[key].(bool); ok {
		return v
	}
	return def
}
