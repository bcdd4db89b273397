package chat

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/oauth2"

	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/telemetry"
	"github.com/onnwee/chatdeck/testutil"
	"github.com/onnwee/chatdeck/transport"
)

// readLines collects n frames from the client.
func readLines(ws *websocket.Conn, n int) ([]string, error) {
	var out []string
	for len(out) < n {
		_, b, err := ws.ReadMessage()
		if err != nil {
			return out, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

func newTestClient(url string) *Client {
	return New(Config{
		URL:            url,
		Nick:           "EdoBot",
		Token:          "secret",
		Channel:        "#Streamer",
		SendRetryDelay: 10 * time.Millisecond,
	}, transport.WithBackoff(10*time.Millisecond, 50*time.Millisecond))
}

func TestClientHandshakeOrder(t *testing.T) {
	got := make(chan []string, 1)
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		lines, _ := readLines(ws, 4)
		got <- lines
		testutil.DrainUntilClosed(ws)
	})

	c := newTestClient(srv.URL)
	go func() { _ = c.Run(context.Background()) }()
	defer c.Stop()

	select {
	case lines := <-got:
		want := []string{
			"PASS oauth:secret",
			"NICK edobot",
			"CAP REQ :twitch.tv/tags twitch.tv/commands",
			"JOIN #streamer",
		}
		if !reflect.DeepEqual(lines, want) {
			t.Errorf("handshake = %q, want %q", lines, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake not received")
	}
}

func TestClientAnswersPingAndDispatchesMessages(t *testing.T) {
	pong := make(chan string, 1)
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		if _, err := readLines(ws, 4); err != nil {
			return
		}
		frame := ":tmi.twitch.tv 001 edobot :Welcome, GLHF!\r\n" +
			"PING :tmi.twitch.tv\r\n" +
			"@badges=;display-name=Viewer;mod=0 :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #streamer :!so someone\r\n"
		_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
		lines, err := readLines(ws, 1)
		if err == nil {
			pong <- lines[0]
		}
		testutil.DrainUntilClosed(ws)
	})

	c := newTestClient(srv.URL)
	msgs := make(chan events.ChatMessage, 1)
	c.OnMessage(func(ctx context.Context, m events.ChatMessage) { msgs <- m })
	go func() { _ = c.Run(context.Background()) }()
	defer c.Stop()

	select {
	case p := <-pong:
		if p != "PONG :tmi.twitch.tv" {
			t.Errorf("pong = %q, want PONG :tmi.twitch.tv", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no PONG")
	}
	select {
	case m := <-msgs:
		if m.Sender != "viewer" || m.Text != "!so someone" || m.Tags.DisplayName != "Viewer" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not dispatched")
	}
	if c.State() != StateJoined {
		t.Errorf("State() = %v, want joined", c.State())
	}
}

func TestClientTokenSourceUsedOnConnect(t *testing.T) {
	got := make(chan string, 1)
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		lines, _ := readLines(ws, 1)
		if len(lines) == 1 {
			got <- lines[0]
		}
		testutil.DrainUntilClosed(ws)
	})

	c := New(Config{
		URL:     srv.URL,
		Nick:    "edobot",
		Token:   "stale",
		Channel: "streamer",
		Tokens:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "fresh"}),
	}, transport.WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	go func() { _ = c.Run(context.Background()) }()
	defer c.Stop()

	select {
	case line := <-got:
		if line != "PASS oauth:fresh" {
			t.Errorf("first line = %q, want PASS oauth:fresh", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake not received")
	}
}

func TestClientPublishesRaid(t *testing.T) {
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		if _, err := readLines(ws, 4); err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(
			"@msg-id=raid;msg-param-displayName=Raider;msg-param-login=raider;msg-param-viewerCount=7 :tmi.twitch.tv USERNOTICE #streamer\r\n"))
		testutil.DrainUntilClosed(ws)
	})

	c := newTestClient(srv.URL)
	raids := make(chan events.RaidEvent, 1)
	c.Subscribe(func(k events.Kind, p any) {
		if k == events.KindRaid {
			raids <- p.(events.RaidEvent)
		}
	})
	go func() { _ = c.Run(context.Background()) }()
	defer c.Stop()

	select {
	case r := <-raids:
		if r.FromLogin != "raider" || r.Viewers != 7 {
			t.Errorf("raid = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("raid not published")
	}
}

func TestClientAuthFailureIsFatal(t *testing.T) {
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		if _, err := readLines(ws, 4); err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(":tmi.twitch.tv NOTICE * :Login authentication failed\r\n"))
		testutil.DrainUntilClosed(ws)
	})

	c := newTestClient(srv.URL)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrAuthentication) {
			t.Errorf("Run() = %v, want ErrAuthentication", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept retrying after auth failure")
	}
	if c.State() != StateAuthFailed {
		t.Errorf("State() = %v, want auth_failed", c.State())
	}
	if srv.Connections() != 1 {
		t.Errorf("server sessions = %d, want 1", srv.Connections())
	}
	c.Stop() // idempotent
}

func TestClientSendMessage(t *testing.T) {
	got := make(chan string, 1)
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		lines, err := readLines(ws, 5)
		if err == nil {
			got <- lines[4]
		}
		testutil.DrainUntilClosed(ws)
	})

	c := newTestClient(srv.URL)
	// Queued before the socket exists; delivered once connected.
	c.SendMessage("hello\r\nPRIVMSG #other :injected")
	go func() { _ = c.Run(context.Background()) }()
	defer c.Stop()

	select {
	case line := <-got:
		if line != "PRIVMSG #streamer :hello  PRIVMSG #other :injected" {
			t.Errorf("sent = %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not sent")
	}
}

func TestClientSendMessageIgnoresBlank(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/")
	c.SendMessage("   \r\n")
	if len(c.out) != 0 {
		t.Errorf("queue length = %d, want 0", len(c.out))
	}
}

func TestClientSendMessageFullQueueDropsAndCounts(t *testing.T) {
	telemetry.Init()
	c := New(Config{URL: "ws://127.0.0.1:1/", Nick: "bot", Channel: "host", QueueSize: 2})
	before := promtest.ToFloat64(telemetry.ChatSendDropped)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, m := range []string{"one", "two", "three"} {
			c.SendMessage(m)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SendMessage blocked on a full queue")
	}

	if got := promtest.ToFloat64(telemetry.ChatSendDropped) - before; got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := []string{<-c.out, <-c.out}; !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("queued = %q, want the first two", got)
	}
}

func TestClientStopIsIdempotent(t *testing.T) {
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		testutil.DrainUntilClosed(ws)
	})
	c := newTestClient(srv.URL)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	c.Stop()
	c.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
}
