package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSession(t *testing.T, ts *testServer, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/api/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(kind int, data []byte) bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(kind, data) {
			return
		}
	}
}

func eventOf(kind int, data []byte) (Event, bool) {
	var e Event
	if kind != websocket.TextMessage || json.Unmarshal(data, &e) != nil {
		return e, false
	}
	return e, true
}

func TestSessionWebSocket(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.createSession(t, nil)
	conn := dialSession(t, ts, id)

	send := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatal(err)
		}
	}

	send(map[string]any{"type": "camera"})
	readUntil(t, conn, "validation error", func(kind int, data []byte) bool {
		e, ok := eventOf(kind, data)
		return ok && e.Type == "error" && strings.Contains(e.Error, "camera")
	})

	send(map[string]any{"type": "viewport", "viewport": map[string]any{"width": 1e9, "height": 1e9}})
	readUntil(t, conn, "viewport bound", func(kind int, data []byte) bool {
		e, ok := eventOf(kind, data)
		return ok && e.Type == "error" && strings.Contains(e.Error, "viewport")
	})

	send(map[string]any{"type": "camera", "camera": map[string]any{"lng": 0, "lat": 0, "zoom": 0.5}})
	readUntil(t, conn, "loading settled", func(kind int, data []byte) bool {
		e, ok := eventOf(kind, data)
		return ok && e.Type == "loading" && e.Loading != nil && !*e.Loading
	})

	send(map[string]any{"type": "draw"})
	readUntil(t, conn, "frame", func(kind int, data []byte) bool {
		return kind == websocket.BinaryMessage && bytes.HasPrefix(data, []byte("\x89PNG"))
	})

	send(map[string]any{"type": "region", "region": map[string]any{"center": []float64{0, 0}, "radius": 1}})
	readUntil(t, conn, "region result", func(kind int, data []byte) bool {
		e, ok := eventOf(kind, data)
		return ok && e.Type == "region_result" && bytes.Contains(e.Result, []byte(`"v":[11]`))
	})

	resp := ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	resp.Body.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestSessionWebSocketColormap(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.createSession(t, nil)
	conn := dialSession(t, ts, id)

	if err := conn.WriteJSON(map[string]any{"type": "colormap", "colormap": "nope"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "unknown colormap", func(kind int, data []byte) bool {
		e, ok := eventOf(kind, data)
		return ok && e.Type == "error" && strings.Contains(e.Error, "unknown colormap")
	})

	if err := conn.WriteJSON(map[string]any{"type": "colormap", "colormap": [][3]int{{0, 0, 0}, {255, 0, 0}}}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "invalidate", func(kind int, data []byte) bool {
		e, ok := eventOf(kind, data)
		return ok && e.Type == "invalidate"
	})
}
