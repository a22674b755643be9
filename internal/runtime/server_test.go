package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/millrace-ai/millrace/internal/conversation"
	"github.com/millrace-ai/millrace/internal/engine"
	"github.com/millrace-ai/millrace/internal/eventlog"
	"github.com/millrace-ai/millrace/internal/provider"
	"github.com/millrace-ai/millrace/internal/telemetry"
)

func newTestServer(t *testing.T, scripts ...provider.Script) (*httptest.Server, *eventlog.MemoryLog) {
	t.Helper()

	store := conversation.NewMemoryStore()
	log := eventlog.NewMemoryLog()
	client := provider.NewScriptedClient(scripts...)
	metrics := telemetry.NewMetrics()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	eng := engine.NewEngine(store, log, engine.Options{
		DefaultModel: "mock/test-model",
		Clients: func(model string) (provider.Client, string) {
			_, name := provider.ParseModelString(model)
			return client, name
		},
		Logger:  logger,
		Metrics: metrics,
	})

	srv := httptest.NewServer(NewServer(eng, store, log, metrics, WithLogger(logger)).Handler())
	t.Cleanup(func() {
		srv.Close()
		store.Close()
		log.Close()
	})
	return srv, log
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/sessions", map[string]string{"title": "test"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, want 201", resp.StatusCode)
	}
	var sess conversation.Session
	decodeBody(t, resp, &sess)
	if sess.ID == "" {
		t.Fatal("created session has empty ID")
	}
	return sess.ID
}

// waitForComplete polls the session's event log until a terminal event shows.
func waitForComplete(t *testing.T, log *eventlog.MemoryLog, sessionID string) []eventlog.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := log.ReadFrom(context.Background(), sessionID, eventlog.Cursor{})
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		for _, ev := range events {
			switch ev.Type {
			case engine.EventComplete, engine.EventError, engine.EventAbort:
				return events
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a terminal event")
	return nil
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, provider.TextScript(provider.Usage{}, "hi"))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
}

func TestAPIKeyRequired(t *testing.T) {
	store := conversation.NewMemoryStore()
	log := eventlog.NewMemoryLog()
	metrics := telemetry.NewMetrics()
	eng := engine.NewEngine(store, log, engine.Options{
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(NewServer(eng, store, log, metrics, WithAPIKey("sekrit")).Handler())
	defer srv.Close()
	defer store.Close()
	defer log.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions", nil)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestSendMessageAndFetchSession(t *testing.T) {
	srv, log := newTestServer(t,
		provider.TextScript(provider.Usage{InputTokens: 4, OutputTokens: 6}, "Hello there"))

	id := createSession(t, srv)

	resp := postJSON(t, srv.URL+"/v1/sessions/"+id+"/messages", map[string]string{"text": "hi"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send message status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	waitForComplete(t, log, id)

	getResp, err := http.Get(srv.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	var body struct {
		Session  conversation.Session `json:"session"`
		Messages []struct {
			Role   conversation.Role   `json:"role"`
			Status conversation.Status `json:"status"`
			Usage  conversation.Usage  `json:"usage"`
			Steps  []struct {
				Parts []conversation.Part `json:"parts"`
			} `json:"steps"`
		} `json:"messages"`
	}
	decodeBody(t, getResp, &body)

	if body.Session.ID != id {
		t.Errorf("session ID = %q, want %q", body.Session.ID, id)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("session has %d messages, want user + assistant", len(body.Messages))
	}
	asst := body.Messages[1]
	if asst.Role != conversation.RoleAssistant || asst.Status != conversation.StatusCompleted {
		t.Errorf("assistant message role/status = %q/%q", asst.Role, asst.Status)
	}
	if asst.Usage.OutputTokens != 6 {
		t.Errorf("assistant usage = %+v, want 6 output tokens", asst.Usage)
	}
	if len(asst.Steps) != 1 || len(asst.Steps[0].Parts) != 1 {
		t.Fatalf("assistant steps = %+v, want one step with one part", asst.Steps)
	}
	if got := asst.Steps[0].Parts[0].Text; got != "Hello there" {
		t.Errorf("assistant text = %q, want %q", got, "Hello there")
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, provider.TextScript(provider.Usage{}, "hi"))

	resp := postJSON(t, srv.URL+"/v1/sessions/ses_missing/messages", map[string]string{"text": "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAbortWithoutStream(t *testing.T) {
	srv, _ := newTestServer(t, provider.TextScript(provider.Usage{}, "hi"))
	id := createSession(t, srv)

	resp := postJSON(t, srv.URL+"/v1/sessions/"+id+"/abort", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("abort idle session status = %d, want 404", resp.StatusCode)
	}
}

// assistantStatus fetches the session and returns its assistant message status.
func assistantStatus(t *testing.T, srv *httptest.Server, id string) conversation.Status {
	t.Helper()
	resp, err := http.Get(srv.URL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	var body struct {
		Messages []struct {
			Role   conversation.Role   `json:"role"`
			Status conversation.Status `json:"status"`
		} `json:"messages"`
	}
	decodeBody(t, resp, &body)
	for _, m := range body.Messages {
		if m.Role == conversation.RoleAssistant {
			return m.Status
		}
	}
	return ""
}

func TestAbortPendingQuestion(t *testing.T) {
	srv, log := newTestServer(t, provider.Script{Events: []provider.RawEvent{
		{Type: provider.RawBlockStart, Index: 0, Block: provider.BlockTool, ToolID: "toolu_q", ToolName: "ask_user"},
		{Type: provider.RawBlockDelta, Index: 0, ArgsDelta: `{"question":"overwrite main.go?"}`},
		{Type: provider.RawBlockStop, Index: 0},
		{Type: provider.RawResult, Usage: provider.Usage{InputTokens: 3, OutputTokens: 2}, StopReason: provider.StopToolUse},
	}})
	id := createSession(t, srv)

	resp := postJSON(t, srv.URL+"/v1/sessions/"+id+"/messages", map[string]string{"text": "rewrite it"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send message status = %d, want 202", resp.StatusCode)
	}

	// Wait for the turn to park on the question.
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		events, err := log.ReadFrom(ctx, id, eventlog.Cursor{})
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		var asked bool
		for _, ev := range events {
			asked = asked || ev.Type == engine.EventAskQuestion
		}
		if asked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for ask-question event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The send goroutine releases its slot just after the question is
	// published; aborting lands on the parked turn once it has.
	for {
		if assistantStatus(t, srv, id) == conversation.StatusAbort {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the pending question to abort")
		}
		resp := postJSON(t, srv.URL+"/v1/sessions/"+id+"/abort", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("abort status = %d, want 202", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}

	events, err := log.ReadFrom(ctx, id, eventlog.Cursor{})
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	var aborts int
	for _, ev := range events {
		if ev.Type == engine.EventAbort {
			aborts++
		}
	}
	if aborts != 1 {
		t.Errorf("published %d abort events, want exactly 1", aborts)
	}
}

// sseFrame is one parsed SSE frame.
type sseFrame struct {
	ID    string
	Event string
	Data  string
}

// readFrames reads n SSE frames, skipping comment keepalives.
func readFrames(t *testing.T, r io.Reader, n int) []sseFrame {
	t.Helper()
	scanner := bufio.NewScanner(r)
	var frames []sseFrame
	var cur sseFrame
	for scanner.Scan() && len(frames) < n {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = line[4:]
		case strings.HasPrefix(line, "event: "):
			cur.Event = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = line[6:]
		}
	}
	if len(frames) < n {
		t.Fatalf("read %d SSE frames, want %d (scan err: %v)", len(frames), n, scanner.Err())
	}
	return frames
}

func TestEventStreamReplay(t *testing.T) {
	srv, log := newTestServer(t, provider.TextScript(provider.Usage{}, "hi"))
	id := createSession(t, srv)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := log.Publish(ctx, id, "text-delta", map[string]int{"n": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/events?replay=3", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	frames := readFrames(t, resp.Body, 3)
	for i, f := range frames {
		if f.Event != "text-delta" {
			t.Errorf("frame %d event = %q, want text-delta", i, f.Event)
		}
		if f.ID == "" {
			t.Errorf("frame %d missing cursor id", i)
		}
		var payload map[string]int
		if err := json.Unmarshal([]byte(f.Data), &payload); err != nil {
			t.Fatalf("frame %d data %q: %v", i, f.Data, err)
		}
		if payload["n"] != i+2 {
			t.Errorf("frame %d n = %d, want %d (last 3 of 5)", i, payload["n"], i+2)
		}
	}
}

func TestEventStreamResumeFromLastEventID(t *testing.T) {
	srv, log := newTestServer(t, provider.TextScript(provider.Usage{}, "hi"))
	id := createSession(t, srv)

	ctx := context.Background()
	var cursors []eventlog.Cursor
	for i := 0; i < 4; i++ {
		ev, err := log.Publish(ctx, id, "text-delta", map[string]int{"n": i})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		cursors = append(cursors, ev.Cursor())
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/events", nil)
	req.Header.Set("Last-Event-ID", cursors[1].String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	// Publish one live event after connecting; the client must see the
	// backlog after its cursor plus the live event, with no duplicates.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = log.Publish(ctx, id, "text-end", nil)
	}()

	frames := readFrames(t, resp.Body, 3)
	if frames[0].ID != cursors[2].String() {
		t.Errorf("first resumed frame id = %q, want %q", frames[0].ID, cursors[2].String())
	}
	if frames[1].ID != cursors[3].String() {
		t.Errorf("second resumed frame id = %q, want %q", frames[1].ID, cursors[3].String())
	}
	if frames[2].Event != "text-end" {
		t.Errorf("live frame event = %q, want text-end", frames[2].Event)
	}
	seen := map[string]bool{}
	for _, f := range frames {
		if seen[f.ID] {
			t.Errorf("duplicate frame id %q", f.ID)
		}
		seen[f.ID] = true
	}
}

func TestEventStreamRejectsBadCursor(t *testing.T) {
	srv, _ := newTestServer(t, provider.TextScript(provider.Usage{}, "hi"))
	id := createSession(t, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions/"+id+"/events", nil)
	req.Header.Set("Last-Event-ID", "not-a-cursor")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEndToEndStreamOverSSE(t *testing.T) {
	srv, _ := newTestServer(t,
		provider.TextScript(provider.Usage{InputTokens: 2, OutputTokens: 3}, "streamed"))
	id := createSession(t, srv)

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	post := postJSON(t, srv.URL+"/v1/sessions/"+id+"/messages", map[string]string{"text": "go"})
	post.Body.Close()
	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("send message status = %d, want 202", post.StatusCode)
	}

	frames := readFrames(t, resp.Body, 4)
	want := []string{"text-start", "text-delta", "text-end", "complete"}
	for i, f := range frames {
		if f.Event != want[i] {
			t.Fatalf("frame %d event = %q, want %q (%+v)", i, f.Event, want[i], frames)
		}
	}

	var done struct {
		FinishReason string `json:"finishReason"`
		Usage        struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(frames[3].Data), &done); err != nil {
		t.Fatalf("complete payload %q: %v", frames[3].Data, err)
	}
	if done.FinishReason != "stop" || done.Usage.OutputTokens != 3 {
		t.Errorf("complete payload = %+v, want stop with 3 output tokens", done)
	}
}

func TestWatchConfigReload(t *testing.T) {
	path := writeConfig(t, "listen: \":7001\"\nstore:\n  driver: memory\nevents:\n  driver: memory\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go func() {
		_ = WatchConfig(ctx, path, slog.New(slog.NewJSONHandler(io.Discard, nil)), func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	content := "listen: \":7002\"\nstore:\n  driver: memory\nevents:\n  driver: memory\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Listen != ":7002" {
			t.Errorf("reloaded listen = %q, want :7002", cfg.Listen)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
