package upstream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoRequestReturnsStatusHeadersBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo", string(body))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := DoRequest(t.Context(), srv.Client(), srv.URL, http.Header{}, []byte(`{"a":1}`), 5*time.Second)
	if err != nil {
		t.Fatalf("DoRequest: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if resp.Headers.Get("X-Echo") != `{"a":1}` {
		t.Fatalf("expected request body echoed back, got %q", resp.Headers.Get("X-Echo"))
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
}

func TestDoStreamRequestDeliversLinesThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "event: message_start\n")
		io.WriteString(w, "data: {}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	handle, err := DoStreamRequest(t.Context(), srv.Client(), srv.URL, http.Header{}, []byte(`{}`))
	if err != nil {
		t.Fatalf("DoStreamRequest: %v", err)
	}
	defer handle.Close()

	if handle.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", handle.Status)
	}

	var lines []string
	done := false
	for ev := range handle.Events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		if ev.Done {
			done = true
			break
		}
		lines = append(lines, ev.Line)
	}
	if !done {
		t.Fatalf("expected stream to end with Done")
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (event, data, blank), got %d: %v", len(lines), lines)
	}
}

func TestStreamTimeoutMonitorFiresTotalTimeout(t *testing.T) {
	m := NewStreamTimeoutMonitor(20*time.Millisecond, time.Hour)
	fired := m.Watch()

	select {
	case reason := <-fired:
		if reason != TotalTimeout {
			t.Fatalf("expected TotalTimeout, got %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for monitor to fire")
	}
}

func TestStreamTimeoutMonitorFiresIdleTimeoutWithoutResets(t *testing.T) {
	m := NewStreamTimeoutMonitor(time.Hour, 20*time.Millisecond)
	fired := m.Watch()

	select {
	case reason := <-fired:
		if reason != IdleTimeout {
			t.Fatalf("expected IdleTimeout, got %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for monitor to fire")
	}
}

func TestStreamTimeoutMonitorIdleResetPostponesFiring(t *testing.T) {
	m := NewStreamTimeoutMonitor(time.Hour, 50*time.Millisecond)
	fired := m.Watch()

	// Reset idle twice within the window; monitor must not fire early.
	time.Sleep(30 * time.Millisecond)
	m.ResetIdle()
	time.Sleep(30 * time.Millisecond)
	m.ResetIdle()

	select {
	case <-fired:
		t.Fatalf("monitor fired despite idle resets")
	case <-time.After(40 * time.Millisecond):
	}
	m.Stop()
}

func TestStreamTimeoutMonitorStopPreventsFiring(t *testing.T) {
	m := NewStreamTimeoutMonitor(20*time.Millisecond, 20*time.Millisecond)
	fired := m.Watch()
	m.Stop()

	select {
	case reason := <-fired:
		t.Fatalf("expected no fire after Stop, got %v", reason)
	case <-time.After(100 * time.Millisecond):
	}
}
