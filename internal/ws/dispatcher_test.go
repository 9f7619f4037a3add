package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/gatherly/meetup-live/internal/protocol"
)

// readServerReply reads one text frame from the client side of the pipe
// with a deadline so a missing reply fails fast instead of hanging.
func readServerReply(t *testing.T, client net.Conn) []byte {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	data, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("failed to read server reply: %v", err)
	}
	return data
}

func TestDispatcherRoutesToRegisteredHandler(t *testing.T) {
	d := NewMessageDispatcher()
	conn, _ := newTestConn("s1", "mu-1", "m1")

	var got protocol.LocationReportMsg
	d.Register(protocol.TypeLocation, func(c *Connection, msg interface{}) {
		got = msg.(protocol.LocationReportMsg)
	})

	d.Dispatch(conn, []byte(`{"type":"location","participantId":"mu-1","lat":1.5,"lng":2.5,"reportedAt":99}`))

	if got.ParticipantID != "mu-1" || got.Lat != 1.5 || got.Lng != 2.5 {
		t.Errorf("handler received unexpected message: %+v", got)
	}
}

func TestDispatcherAnswersPing(t *testing.T) {
	d := NewMessageDispatcher()
	conn, client := newTestConn("s1", "mu-1", "m1")

	go d.Dispatch(conn, []byte(`{"type":"ping"}`))

	data := readServerReply(t, client)

	var reply struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("pong is not valid JSON: %v", err)
	}
	if reply.Type != protocol.TypePong {
		t.Errorf("expected pong, got %q", reply.Type)
	}
}

func TestDispatcherRepliesErrorForUnknownType(t *testing.T) {
	d := NewMessageDispatcher()
	conn, client := newTestConn("s1", "mu-1", "m1")

	go d.Dispatch(conn, []byte(`{"type":"warp"}`))

	data := readServerReply(t, client)

	var reply protocol.ErrorMsg
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("error reply is not valid JSON: %v", err)
	}
	if reply.Type != protocol.TypeError || reply.Code != "parse_error" {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestDispatcherRepliesErrorForUnregisteredType(t *testing.T) {
	d := NewMessageDispatcher()
	conn, client := newTestConn("s1", "mu-1", "m1")

	// init is a valid protocol type but nothing is registered for it.
	go d.Dispatch(conn, []byte(`{"type":"init"}`))

	data := readServerReply(t, client)

	var reply protocol.ErrorMsg
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("error reply is not valid JSON: %v", err)
	}
	if reply.Code != "unsupported_type" {
		t.Errorf("expected unsupported_type, got %+v", reply)
	}
}
