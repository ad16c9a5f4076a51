package gladia

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/resilience"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

type fakeGladia struct {
	t        *testing.T
	srv      *httptest.Server
	status   int
	upgrader websocket.Upgrader

	mu    sync.Mutex
	init  map[string]any
	key   string
	query string
	audio int
	stop  bool
}

func newFakeGladia(t *testing.T) *fakeGladia {
	f := &fakeGladia{t: t, status: http.StatusCreated}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/live", f.handleInit)
	mux.HandleFunc("/ws", f.handleWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGladia) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.init = body
	f.key = r.Header.Get("x-gladia-key")
	f.query = r.URL.RawQuery
	f.mu.Unlock()
	if f.status != http.StatusCreated {
		w.WriteHeader(f.status)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":  "sess-1",
		"url": "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws",
	})
}

func (f *fakeGladia) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			f.mu.Lock()
			f.audio++
			first := f.audio == 1
			f.mu.Unlock()
			if first {
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"speech_start","data":{"time":0.1,"channel":0}}`))
				_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","data":{"id":"u1","is_final":false,"utterance":{"text":"hel","start":0.1,"end":0.4,"confidence":0.5,"language":"en","channel":0,"words":[]}}}`))
			}
			continue
		}
		if strings.Contains(string(data), "stop_recording") {
			f.mu.Lock()
			f.stop = true
			f.mu.Unlock()
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","data":{"id":"u1","is_final":true,"utterance":{"text":"hello","start":0.1,"end":0.6,"confidence":0.9,"language":"en","channel":0,"words":[{"word":"hello","start":0.1,"end":0.6,"confidence":0.9}]}}}`))
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"end_session"}`))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func testConfig(t *testing.T, base string) config.SessionConfig {
	t.Helper()
	cfg, err := config.Resolve(config.MapEnvironment{
		"GLADIA_API_KEY":   "secret",
		"GLADIA_BASE_URL":  base,
		"GLADIA_LANGUAGES": "en-US",
		"GLADIA_REGION":    "eu-west",
	}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return cfg
}

func collect(t *testing.T, c stt.Conn) []stt.Message {
	t.Helper()
	var out []stt.Message
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.Results():
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("timed out waiting for results")
		}
	}
}

func TestDialStreamsAndFinishes(t *testing.T) {
	fake := newFakeGladia(t)
	d := New(Config{Logger: logging.Discard()})
	conn, err := d.Dial(context.Background(), testConfig(t, fake.srv.URL))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if conn.ID() != "sess-1" {
		t.Fatalf("id = %q", conn.ID())
	}
	if err := conn.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	// Wait for the interim before finishing so ordering is deterministic.
	time.Sleep(50 * time.Millisecond)
	if err := conn.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}

	msgs := collect(t, conn)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	wantTypes := []stt.MessageType{stt.MessageSpeechStart, stt.MessageTranscript, stt.MessageTranscript, stt.MessageEnd}
	for i, typ := range wantTypes {
		if msgs[i].Type != typ {
			t.Fatalf("message %d type = %s, want %s", i, msgs[i].Type, typ)
		}
	}
	final := msgs[2].Transcript
	if !final.IsFinal || final.Text != "hello" || final.UtteranceID != "u1" {
		t.Fatalf("unexpected final: %+v", final)
	}
	if final.End.Unit != transcript.UnitSeconds || final.End.Value != 0.6 || len(final.Words) != 1 {
		t.Fatalf("unexpected timing: %+v", final)
	}
	if conn.Err() != nil {
		t.Fatalf("normal end should not report an error: %v", conn.Err())
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.key != "secret" {
		t.Fatalf("api key header = %q", fake.key)
	}
	if fake.query != "region=eu-west" {
		t.Fatalf("query = %q", fake.query)
	}
	if fake.init["sample_rate"].(float64) != 16000 || fake.init["encoding"] != "wav/pcm" {
		t.Fatalf("init body = %v", fake.init)
	}
	lang := fake.init["language_config"].(map[string]any)
	if langs := lang["languages"].([]any); len(langs) != 1 || langs[0] != "en" {
		t.Fatalf("languages = %v", lang["languages"])
	}
	pre := fake.init["pre_processing"].(map[string]any)
	if pre["audio_enhancer"] != true || pre["speech_threshold"].(float64) != 0.7 {
		t.Fatalf("pre_processing = %v", pre)
	}
	if !fake.stop {
		t.Fatalf("stop_recording not received")
	}
}

func TestDialInitStatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		rateLimit bool
		permanent bool
		reason    errorsx.ReasonCode
	}{
		{status: http.StatusTooManyRequests, rateLimit: true},
		{status: http.StatusUnauthorized, permanent: true, reason: errorsx.ReasonSTTUnauthorized},
		{status: http.StatusForbidden, permanent: true, reason: errorsx.ReasonSTTUnauthorized},
		{status: http.StatusUnprocessableEntity, permanent: true, reason: errorsx.ReasonConfigInvalid},
		{status: http.StatusBadGateway, reason: errorsx.ReasonSTTConnect},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			fake := newFakeGladia(t)
			fake.status = tc.status
			_, err := New(Config{Logger: logging.Discard()}).Dial(context.Background(), testConfig(t, fake.srv.URL))
			if err == nil {
				t.Fatalf("expected error")
			}
			if resilience.IsRateLimit(err) != tc.rateLimit {
				t.Fatalf("rate limit = %v for %v", resilience.IsRateLimit(err), err)
			}
			if resilience.IsPermanent(err) != tc.permanent {
				t.Fatalf("permanent = %v for %v", resilience.IsPermanent(err), err)
			}
			if tc.reason != "" && !errorsx.HasReason(err, tc.reason) {
				t.Fatalf("reason = %s, want %s", errorsx.Reason(err), tc.reason)
			}
		})
	}
}

func TestConnectionDropReportsError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/live", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "s", "url": "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"))
		ws.Close()
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	conn, err := New(Config{Logger: logging.Discard()}).Dial(context.Background(), testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	collect(t, conn)
	if conn.Err() == nil {
		t.Fatalf("expected drop error")
	}
	if !errorsx.HasReason(conn.Err(), errorsx.ReasonSTTConnect) {
		t.Fatalf("reason = %s", errorsx.Reason(conn.Err()))
	}
}

func TestDecodeMessage(t *testing.T) {
	msg, ok, err := decodeMessage([]byte(`{"type":"error","error":{"code":400,"message":"bad audio"}}`))
	if err != nil || !ok || msg.Type != stt.MessageError || msg.Err.Code != 400 || msg.Err.Message != "bad audio" {
		t.Fatalf("error message = %+v ok=%v err=%v", msg, ok, err)
	}
	msg, ok, _ = decodeMessage([]byte(`{"type":"error","data":{"error":{"status":500,"message":"internal"}}}`))
	if !ok || msg.Err.Code != 500 {
		t.Fatalf("nested error = %+v", msg)
	}
	msg, ok, _ = decodeMessage([]byte(`{"type":"speech_end","data":{"time":2.5}}`))
	if !ok || msg.Type != stt.MessageSpeechEnd || msg.At.Seconds() != 2.5 {
		t.Fatalf("speech end = %+v", msg)
	}
	if _, ok, err := decodeMessage([]byte(`{"type":"start_recording"}`)); ok || err != nil {
		t.Fatalf("lifecycle messages should be ignored")
	}
	if _, _, err := decodeMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
	var ve *stt.VendorError
	if !errors.As(error(&stt.VendorError{Message: "x"}), &ve) {
		t.Fatalf("vendor error should satisfy errors.As")
	}
}

func TestBuildInitRequestRealtimeProcessing(t *testing.T) {
	cfg := config.SessionConfig{
		Encoding:         "wav/pcm",
		CustomVocabulary: []string{"Gladia"},
		CustomSpelling:   map[string][]string{"SQL": {"sequel"}},
	}
	req := buildInitRequest(cfg)
	if req.RealtimeProcessing == nil || !req.RealtimeProcessing.CustomVocabulary || !req.RealtimeProcessing.CustomSpelling {
		t.Fatalf("realtime processing = %+v", req.RealtimeProcessing)
	}
	if req.LanguageConfig.Languages == nil {
		t.Fatalf("languages must encode as an empty array")
	}
	if buildInitRequest(config.SessionConfig{}).RealtimeProcessing != nil {
		t.Fatalf("realtime processing should be omitted without vocabulary")
	}
}

func TestRateLimitedRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		resp := &http.Response{Status: "429 Too Many Requests", Header: http.Header{}}
		if tt.header != "" {
			resp.Header.Set("Retry-After", tt.header)
		}
		err := rateLimited(resp, now)
		if err.RetryAfter != tt.want {
			t.Fatalf("Retry-After %q: got %s, want %s", tt.header, err.RetryAfter, tt.want)
		}
		if err.Provider != providerName {
			t.Fatalf("unexpected provider %q", err.Provider)
		}
	}
}
