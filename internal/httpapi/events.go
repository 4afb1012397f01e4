package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/trymwestin/sonicare/internal/core/state"
)

const (
	wsSendBufferSize = 256
	wsWriteWait      = 10 * time.Second
	wsPingInterval   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleEvents streams bus events over a websocket. Frames are JSON text by
// default and protobuf Struct binary frames with ?encoding=proto.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	binary := r.URL.Query().Get("encoding") == "proto"

	// Subscribe before the handshake completes so no event is missed.
	events, unsub := s.bus.Subscribe(wsSendBufferSize)
	defer unsub()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.log.Debug("websocket client connected", "remote", r.RemoteAddr, "proto", binary)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			msgType, data, err := encodeEvent(evt, binary)
			if err != nil {
				s.log.Error("failed to encode event", "type", evt.Type, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(msgType, data); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// encodeEvent renders evt as a websocket frame.
func encodeEvent(evt state.Event, binary bool) (int, []byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal event: %w", err)
	}
	if !binary {
		return websocket.TextMessage, raw, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, nil, fmt.Errorf("decode event: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return 0, nil, fmt.Errorf("build struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal proto: %w", err)
	}
	return websocket.BinaryMessage, data, nil
}
