package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridtiles/server/internal/pyramid"
	"github.com/gridtiles/server/internal/selector"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced on the HTTP routes
}

// wsMessage is a client message on the session socket.
type wsMessage struct {
	Type     string            `json:"type"`
	Camera   *pyramid.Camera   `json:"camera"`
	Viewport *pyramid.Viewport `json:"viewport"`
	Selector selector.Selector `json:"selector"`
	Uniforms json.RawMessage   `json:"uniforms"`
	Colormap json.RawMessage   `json:"colormap"`
	Region   json.RawMessage   `json:"region"`
}

type wsFrame struct {
	kind int
	data []byte
}

// wsHandler streams session events to the client and applies the client's
// view updates. A "draw" message is answered with the frame as a binary PNG.
func wsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := getSession(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		events := sess.Subscribe()
		defer sess.Unsubscribe(events)
		replies := make(chan wsFrame, 16)
		done := make(chan struct{})

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			write := func(f wsFrame) error {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				return conn.WriteMessage(f.kind, f.data)
			}
			for {
				select {
				case <-done:
					writeErr <- nil
					return
				case e, ok := <-events:
					if !ok {
						// session closed
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), time.Now().Add(time.Second))
						conn.Close()
						writeErr <- nil
						return
					}
					b, _ := json.Marshal(e)
					if err := write(wsFrame{websocket.TextMessage, b}); err != nil {
						writeErr <- err
						return
					}
				case f := <-replies:
					if err := write(f); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		reply := func(f wsFrame) {
			select {
			case replies <- f:
			default:
				log.Printf("[WS] dropped reply for session %s", sess.ID)
			}
		}
		replyEvent := func(e Event) {
			b, _ := json.Marshal(e)
			reply(wsFrame{websocket.TextMessage, b})
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if err := validate(wsMessageSchema, msg); err != nil {
				replyEvent(Event{Type: "error", Error: err.Error()})
				continue
			}
			var m wsMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				replyEvent(Event{Type: "error", Error: err.Error()})
				continue
			}
			if f, err := handleWSMessage(jm, sess, m); err != nil {
				replyEvent(Event{Type: "error", Error: err.Error()})
			} else if f != nil {
				reply(*f)
			}
		}

		close(done)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// handleWSMessage applies one client message. It returns the direct reply,
// if any.
func handleWSMessage(jm *JobManager, sess *Session, m wsMessage) (*wsFrame, error) {
	tiles := sess.Tiles
	switch m.Type {
	case "camera":
		tiles.UpdateCamera(*m.Camera)
	case "viewport":
		tiles.UpdateViewport(*m.Viewport)
	case "selector":
		tiles.UpdateSelector(m.Selector)
		if st := tiles.State(); st.Initialized {
			tiles.UpdateCamera(st.Camera)
		}
	case "uniforms":
		u := tiles.State().Uniforms
		if err := json.Unmarshal(m.Uniforms, &u); err != nil {
			return nil, err
		}
		tiles.UpdateUniforms(u)
	case "colormap":
		var req colormapRequest
		if err := json.Unmarshal(m.Colormap, &req.Name); err != nil {
			if err := json.Unmarshal(m.Colormap, &req.Colors); err != nil {
				return nil, errors.New("colormap must be a name or a list of RGB triples")
			}
		}
		c, err := parseColormap(req)
		if err != nil {
			return nil, err
		}
		tiles.UpdateColormap(c)
	case "region":
		if jm == nil {
			return nil, errors.New("job manager not configured")
		}
		job, err := submitRegion(jm, sess, m.Region)
		if err != nil {
			return nil, err
		}
		b, _ := json.Marshal(Event{Type: "region_submitted", JobID: job.ID, Generation: job.Generation})
		return &wsFrame{websocket.TextMessage, b}, nil
	case "draw":
		if err := tiles.Draw(); err != nil {
			return nil, err
		}
		return &wsFrame{websocket.BinaryMessage, sess.Frames.LastPNG()}, nil
	}
	return nil, nil
}
