package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/farmgpt/krishimitra/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "language", "en-US", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))
	assertEqual(t, "utterance_end_ms", "1000", q.Get("utterance_end_ms"))
}

func TestBuildURL_HindiLocale(t *testing.T) {
	p, _ := New("key")
	rawURL, err := p.buildURL(stt.StreamConfig{Language: "hi-IN"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "hi", u.Query().Get("language"))
	assertEqual(t, "sample_rate", "16000", u.Query().Get("sample_rate"))
}

func TestBuildURL_Options(t *testing.T) {
	p, err := New("key", WithModel("nova-2-general"), WithEndpointing(500*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, _ := p.buildURL(stt.StreamConfig{SampleRate: 48000})
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "nova-2-general", q.Get("model"))
	assertEqual(t, "endpointing", "500", q.Get("endpointing"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "language", "en-US", q.Get("language"))
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- session tests ----

func startServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn, r *http.Request)) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handler(r.Context(), c, r)
	}))
	t.Cleanup(srv.Close)

	p, err := New("test-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// waitCloseStream reads until the client asks to close the stream and counts
// binary audio frames on the way.
func waitCloseStream(ctx context.Context, c *websocket.Conn, audio *atomic.Int32) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			audio.Add(1)
			continue
		}
		if strings.Contains(string(data), "CloseStream") {
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func TestSession_StitchesUtterance(t *testing.T) {
	var auth atomic.Value
	var audio atomic.Int32
	p := startServer(t, func(ctx context.Context, c *websocket.Conn, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		msgs := []string{
			`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"how much","confidence":0.5}]}}`,
			`{"type":"Results","is_final":true,"duration":1.0,"channel":{"alternatives":[{"transcript":"How much water","confidence":0.9}]}}`,
			`{"type":"Results","is_final":true,"speech_final":true,"duration":0.5,"channel":{"alternatives":[{"transcript":"does wheat need?","confidence":0.7}]}}`,
		}
		for _, m := range msgs {
			if err := c.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		waitCloseStream(ctx, c, &audio)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-h.Finals():
		assertEqual(t, "text", "How much water does wheat need?", tr.Text)
		if !tr.IsFinal {
			t.Error("expected IsFinal")
		}
		if tr.Confidence < 0.79 || tr.Confidence > 0.81 {
			t.Errorf("confidence = %v, want 0.8", tr.Confidence)
		}
		if tr.Duration != 1500*time.Millisecond {
			t.Errorf("duration = %v, want 1.5s", tr.Duration)
		}
		assertEqual(t, "language", "en-US", tr.Language)
	case <-ctx.Done():
		t.Fatal("timed out waiting for final transcript")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-h.Finals(); ok {
		t.Error("expected finals channel to be closed after Close")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after clean close", err)
	}
	if err := h.SendAudio([]byte{0, 0}); err != stt.ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	assertEqual(t, "authorization", "Token test-key", auth.Load().(string))
}

func TestSession_UtteranceEndFlushes(t *testing.T) {
	var audio atomic.Int32
	p := startServer(t, func(ctx context.Context, c *websocket.Conn, r *http.Request) {
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"गेहूं","confidence":0.6}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"UtteranceEnd"}`))
		waitCloseStream(ctx, c, &audio)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := p.StartStream(ctx, stt.StreamConfig{Language: "hi-IN"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	select {
	case tr := <-h.Finals():
		assertEqual(t, "text", "गेहूं", tr.Text)
		assertEqual(t, "language", "hi-IN", tr.Language)
	case <-ctx.Done():
		t.Fatal("timed out waiting for final transcript")
	}
}

func TestSession_ErrorMessage(t *testing.T) {
	p := startServer(t, func(ctx context.Context, c *websocket.Conn, r *http.Request) {
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Error","description":"insufficient credits"}`))
		c.Close(websocket.StatusPolicyViolation, "bye")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := p.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	for {
		select {
		case _, ok := <-h.Finals():
			if ok {
				continue
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for finals to close")
		}
		break
	}

	err = h.Err()
	if err == nil || !strings.Contains(err.Error(), "insufficient credits") {
		t.Errorf("Err() = %v, want deepgram error description", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, name, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", name, want, got)
	}
}
