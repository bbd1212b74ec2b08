package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/farmgpt/krishimitra/pkg/provider/stt"
	"github.com/farmgpt/krishimitra/pkg/provider/stt/whisper"
	vadmock "github.com/farmgpt/krishimitra/pkg/provider/vad/mock"
	"github.com/farmgpt/krishimitra/pkg/types"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer creates a test server that answers POST /inference with
// responseText and records the language form field.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32, lang *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if lang != nil {
			_ = r.ParseMultipartForm(1 << 20)
			lang.Store(r.FormValue("language"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeSpeechPCM generates a 440 Hz sine well above the RMS silence gate.
func makeSpeechPCM(samples int) []byte {
	const amplitude = 10_000.0
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func makeSilencePCM(samples int) []byte {
	return make([]byte, samples*2)
}

func mustStartStream(t *testing.T, p *whisper.Provider, cfg stt.StreamConfig) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return h
}

func waitFinal(t *testing.T, h stt.SessionHandle) types.Transcript {
	t.Helper()
	select {
	case tr, ok := <-h.Finals():
		if !ok {
			t.Fatal("finals channel closed without a transcript")
		}
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}
	return types.Transcript{}
}

var mono16k = stt.StreamConfig{SampleRate: 16000, Channels: 1}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	p, err := whisper.New("http://localhost:8080/",
		whisper.WithModel("small"),
		whisper.WithSilenceThreshold(300*time.Millisecond),
		whisper.WithMaxBuffer(5*time.Second),
		whisper.WithHTTPClient(http.DefaultClient),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

func TestStartStream_CancelledContext_ReturnsError(t *testing.T) {
	srv := newMockServer(t, "", nil, nil)
	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.StartStream(ctx, mono16k); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

// ---- RMS segmentation -------------------------------------------------------

func TestSilenceAloneDoesNotTriggerInference(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "unexpected", &calls, nil)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(50*time.Millisecond))
	h := mustStartStream(t, p, mono16k)

	_ = h.SendAudio(makeSilencePCM(16000))
	time.Sleep(150 * time.Millisecond)
	h.Close()

	if n := calls.Load(); n != 0 {
		t.Errorf("inference called %d time(s) for silence-only audio; want 0", n)
	}
}

func TestSpeechFollowedBySilenceTriggersInference(t *testing.T) {
	const wantText = "How much water does my wheat need?"
	var lang atomic.Value
	srv := newMockServer(t, "  "+wantText+"\n", nil, &lang)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(100*time.Millisecond))
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US"})
	defer h.Close()

	if err := h.SendAudio(makeSpeechPCM(1600)); err != nil {
		t.Fatalf("SendAudio (speech): %v", err)
	}
	if err := h.SendAudio(makeSilencePCM(1600)); err != nil {
		t.Fatalf("SendAudio (silence): %v", err)
	}

	tr := waitFinal(t, h)
	if tr.Text != wantText {
		t.Errorf("Finals().Text = %q; want %q", tr.Text, wantText)
	}
	if !tr.IsFinal {
		t.Error("Finals() transcript should have IsFinal = true")
	}
	if tr.Language != "en-US" {
		t.Errorf("Language = %q; want en-US", tr.Language)
	}
	if got, _ := lang.Load().(string); got != "en" {
		t.Errorf("language field = %q; want en", got)
	}
}

func TestHindiLocaleSendsBareCode(t *testing.T) {
	var lang atomic.Value
	srv := newMockServer(t, "गेहूं में पानी", nil, &lang)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(100*time.Millisecond))
	h := mustStartStream(t, p, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "hi-IN"})
	defer h.Close()

	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))

	waitFinal(t, h)
	if got, _ := lang.Load().(string); got != "hi" {
		t.Errorf("language field = %q; want hi", got)
	}
}

func TestPartialEmittedAlongsideFinal(t *testing.T) {
	const wantText = "drip irrigation"
	srv := newMockServer(t, wantText, nil, nil)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(100*time.Millisecond))
	h := mustStartStream(t, p, mono16k)
	defer h.Close()

	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))

	select {
	case tr := <-h.Partials():
		if tr.Text != wantText {
			t.Errorf("Partials().Text = %q; want %q", tr.Text, wantText)
		}
		if tr.IsFinal {
			t.Error("Partials() transcript should have IsFinal = false")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for partial transcript")
	}
}

func TestMaxBufferExceededForcesFlush(t *testing.T) {
	const wantText = "soil moisture"
	srv := newMockServer(t, wantText, nil, nil)

	p, _ := whisper.New(srv.URL,
		whisper.WithSilenceThreshold(10*time.Second),
		whisper.WithMaxBuffer(200*time.Millisecond),
	)
	h := mustStartStream(t, p, mono16k)
	defer h.Close()

	// 210 ms of continuous speech.
	if err := h.SendAudio(makeSpeechPCM(3360)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if tr := waitFinal(t, h); tr.Text != wantText {
		t.Errorf("Finals().Text = %q; want %q", tr.Text, wantText)
	}
}

// ---- VAD segmentation -------------------------------------------------------

func TestVADSpeechEndTriggersInference(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "paddy", &calls, nil)

	script := vadmock.NewSession(
		types.VADSilence,
		types.VADSpeechStart,
		types.VADSpeechContinue,
		types.VADSpeechEnd,
	)
	eng := &vadmock.Engine{Session: script}
	p, _ := whisper.New(srv.URL, whisper.WithVAD(eng, 2), whisper.WithSilenceThreshold(300*time.Millisecond))
	h := mustStartStream(t, p, mono16k)

	// Four 30 ms frames at 16 kHz, split unevenly across chunks.
	pcm := makeSilencePCM(4 * 480)
	_ = h.SendAudio(pcm[:700])
	_ = h.SendAudio(pcm[700:])

	if tr := waitFinal(t, h); tr.Text != "paddy" {
		t.Errorf("Finals().Text = %q; want paddy", tr.Text)
	}
	h.Close()

	if n := calls.Load(); n != 1 {
		t.Errorf("inference calls = %d; want 1", n)
	}
	cfgs := eng.Configs()
	if len(cfgs) != 1 {
		t.Fatalf("NewSession calls = %d; want 1", len(cfgs))
	}
	cfg := cfgs[0]
	if cfg.SampleRate != 16000 || cfg.FrameSizeMs != 30 || cfg.Aggressiveness != 2 || cfg.HangoverFrames != 10 {
		t.Errorf("vad config = %+v", cfg)
	}
	if frames, _, _ := script.Stats(); frames != 4 {
		t.Errorf("frames processed = %d; want 4", frames)
	}
	if !script.Closed() {
		t.Error("vad session not closed with the stream")
	}
}

// ---- session close ----------------------------------------------------------

func TestClose_ClosesChannels(t *testing.T) {
	srv := newMockServer(t, "", nil, nil)
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, mono16k)
	h.Close()

	for name, ch := range map[string]<-chan types.Transcript{"Partials": h.Partials(), "Finals": h.Finals()} {
		select {
		case _, open := <-ch:
			if open {
				t.Errorf("%s channel should be closed after Close()", name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s channel to close", name)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := newMockServer(t, "", nil, nil)
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, mono16k)

	if err := h.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	srv := newMockServer(t, "", nil, nil)
	p, _ := whisper.New(srv.URL)
	h := mustStartStream(t, p, mono16k)
	h.Close()

	if err := h.SendAudio(makeSpeechPCM(100)); err != stt.ErrSessionClosed {
		t.Fatalf("SendAudio after Close() = %v; want ErrSessionClosed", err)
	}
}

func TestClose_FlushesRemainingBuffer(t *testing.T) {
	const wantText = "mustard"
	srv := newMockServer(t, wantText, nil, nil)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(time.Minute))
	h := mustStartStream(t, p, mono16k)

	_ = h.SendAudio(makeSpeechPCM(1600))
	time.Sleep(50 * time.Millisecond)
	h.Close()

	for tr := range h.Finals() {
		if tr.Text != wantText {
			t.Errorf("received unexpected transcript %q on close-flush; want %q", tr.Text, wantText)
		}
	}
}

// ---- error handling ---------------------------------------------------------

func TestInference_ServerError_SetsErr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(100*time.Millisecond))
	h := mustStartStream(t, p, mono16k)

	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))
	time.Sleep(200 * time.Millisecond)
	h.Close()

	for tr := range h.Finals() {
		t.Errorf("expected no finals on server error, got %q", tr.Text)
	}
	if h.Err() == nil {
		t.Error("Err() = nil; want inference error")
	}
}

func TestInference_EmptyResponse_ProducesNoTranscript(t *testing.T) {
	srv := newMockServer(t, "", nil, nil)

	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(100*time.Millisecond))
	h := mustStartStream(t, p, mono16k)

	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))
	time.Sleep(200 * time.Millisecond)
	h.Close()

	for tr := range h.Finals() {
		t.Errorf("received transcript %q; expected no emission", tr.Text)
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v; want nil", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	srv := newMockServer(t, "hello", nil, nil)
	p, _ := whisper.New(srv.URL, whisper.WithSilenceThreshold(100*time.Millisecond))
	h := mustStartStream(t, p, mono16k)
	defer h.Close()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = h.SendAudio(makeSpeechPCM(160))
			}
		}()
	}
	wg.Wait()
}
