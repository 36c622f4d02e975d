package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/shellmux/shellmux/internal/surface"
)

// WSMessage represents a WebSocket control message from the client.
type WSMessage struct {
	Type string `json:"type"` // "input", "resize"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// WSEvent represents a lifecycle event to the client. Shell bytes travel
// as binary frames; events as JSON text frames.
type WSEvent struct {
	Type string `json:"type"` // "ready", "exit", "error"
	Text string `json:"text,omitempty"`
}

const wsSurfaceDepth = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // CLI clients send no Origin
		}
		trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
		return strings.HasPrefix(trimmed, "localhost:") || strings.HasPrefix(trimmed, "127.0.0.1:")
	},
}

// handleTerminalWebSocket attaches a websocket client to a session as its
// rendering surface. Inbound shell bytes fan out as binary frames; input
// and resize messages route back through the session registry.
func (s *Server) handleTerminalWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/terminal/")
	if sessionID == "" {
		http.Error(w, "session ID is required", http.StatusBadRequest)
		return
	}

	if _, ok := s.store.GetSession(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	surf := surface.NewBuffered(wsSurfaceDepth)
	defer s.session.Detach(sessionID, surf)

	// Reader: the first resize message carries the client's real grid size,
	// so connection starts only after it arrives (or the client sends input,
	// whichever comes first).
	controlChan := make(chan WSMessage, 10)
	go func() {
		defer close(controlChan)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.TextMessage:
				var wsMsg WSMessage
				if err := json.Unmarshal(msg, &wsMsg); err == nil {
					controlChan <- wsMsg
				}
			case websocket.BinaryMessage:
				controlChan <- WSMessage{Type: "input", Data: string(msg)}
			}
		}
	}()

	sendEvent := func(typ, text string) {
		data, err := json.Marshal(WSEvent{Type: typ, Text: text})
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		if err := s.session.Attach(sessionID, surf); err != nil {
			sendEvent("error", err.Error())
		}
	}

	// Ready fires once; nil the channel afterwards so the closed channel
	// does not spin the select.
	ready := surf.Ready()
	for {
		select {
		case chunk, ok := <-surf.Output():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		case <-ready:
			sendEvent("ready", "")
			ready = nil
		case <-surf.Exited():
			sendEvent("exit", "")
			return
		case msg, ok := <-controlChan:
			if !ok {
				return
			}
			switch msg.Type {
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					surf.SetGridSize(msg.Cols, msg.Rows)
				}
				start()
			case "input":
				start()
				surf.SubmitInput([]byte(msg.Data))
			default:
				fmt.Printf("[ws %s] unknown message type %q\n", shortID(sessionID), msg.Type)
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
