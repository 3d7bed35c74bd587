package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskqueue/internal/service"
	"github.com/basket/taskqueue/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(ctx, dbPath, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	svc := service.New(st, service.Config{}, nil)
	srv, err := New(svc, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("toolserver.New: %v", err)
	}
	return srv
}

func decodeFrame(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return m
}

func TestHandle_ListTools(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.handle(context.Background(), json.RawMessage(`{"tool":"list_tools"}`))
	m := decodeFrame(t, resp)
	if m["ok"] != true {
		t.Fatalf("list_tools response not ok: %v", m)
	}
}

func TestHandle_EnqueueThenGet(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	enqueueResp := srv.handle(ctx, json.RawMessage(`{"tool":"task_enqueue","arguments":{"description":"do the thing","source":"human"}}`))
	m := decodeFrame(t, enqueueResp)
	if m["ok"] != true {
		t.Fatalf("task_enqueue failed: %v", m)
	}
	result, ok := m["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", m["result"])
	}
	taskID, _ := result["TaskID"].(string)
	if taskID == "" {
		t.Fatalf("expected a task_id in enqueue result: %v", result)
	}

	getReq, _ := json.Marshal(map[string]any{
		"tool":      "task_get",
		"arguments": map[string]any{"task_id": taskID},
	})
	getResp := srv.handle(ctx, getReq)
	getM := decodeFrame(t, getResp)
	if getM["ok"] != true {
		t.Fatalf("task_get failed: %v", getM)
	}
}

func TestHandle_UnknownToolIsValidationError(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.handle(context.Background(), json.RawMessage(`{"tool":"not_a_real_tool"}`))
	m := decodeFrame(t, resp)
	if m["ok"] != false {
		t.Fatal("expected ok:false for an unknown tool")
	}
	if m["error"] != "Validation" {
		t.Fatalf("error kind = %v, want Validation", m["error"])
	}
}

func TestHandle_MissingRequiredArgumentIsValidationError(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.handle(context.Background(), json.RawMessage(`{"tool":"task_enqueue","arguments":{}}`))
	m := decodeFrame(t, resp)
	if m["ok"] != false {
		t.Fatal("expected ok:false when description/source are missing")
	}
	if m["error"] != "Validation" {
		t.Fatalf("error kind = %v, want Validation", m["error"])
	}
}

func TestHandle_MalformedFrameIsValidationError(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.handle(context.Background(), json.RawMessage(`{not json`))
	m := decodeFrame(t, resp)
	if m["ok"] != false || m["error"] != "Validation" {
		t.Fatalf("expected a Validation error for a malformed frame, got %v", m)
	}
}

func TestHandle_GetUnknownTaskIsNotFoundError(t *testing.T) {
	srv := newTestServer(t)
	req, _ := json.Marshal(map[string]any{
		"tool":      "task_get",
		"arguments": map[string]any{"task_id": "does-not-exist"},
	})
	resp := srv.handle(context.Background(), req)
	m := decodeFrame(t, resp)
	if m["ok"] != false || m["error"] != "NotFound" {
		t.Fatalf("expected NotFound for an unknown task id, got %v", m)
	}
}

func TestServe_ProcessesLineDelimitedRequests(t *testing.T) {
	srv := newTestServer(t)
	in := strings.NewReader(`{"tool":"list_tools"}` + "\n")
	var out bytes.Buffer
	transport := NewStdioTransport(in, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, transport) }()

	// Serve blocks on the next read after processing the one line; give it
	// a moment to write the response, then cancel to unblock Serve.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if out.Len() == 0 {
		t.Fatal("expected at least one response line to be written")
	}
	line := strings.TrimSpace(out.String())
	m := decodeFrame(t, json.RawMessage(line))
	if m["ok"] != true {
		t.Fatalf("expected list_tools response to be ok, got %v", m)
	}
}
