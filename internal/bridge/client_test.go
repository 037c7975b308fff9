package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

// A garbage frame on the live channel must not tear the connection
// down; the reader skips it and delivers the next decodable message.
func TestRunConnReadSkipsMalformedFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte("not an envelope")); err != nil {
			return
		}
		raw, err := protocol.PauseMessage(protocol.PauseState{RunID: "run-1", ParticipantID: "runner-b"}).Encode()
		if err != nil {
			t.Errorf("encode: %v", err)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, raw)

		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	rc := &runConn{conn: conn}
	defer rc.Close()

	msg, err := rc.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Kind != protocol.KindPause || msg.Pause == nil || msg.Pause.RunID != "run-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
