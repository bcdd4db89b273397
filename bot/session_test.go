package bot

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/components"
	"github.com/onnwee/chatdeck/config"
	"github.com/onnwee/chatdeck/control"
	"github.com/onnwee/chatdeck/db"
	"github.com/onnwee/chatdeck/dispatch"
	"github.com/onnwee/chatdeck/testutil"
)

const welcome = `{"metadata":{"message_id":"w-1","message_type":"session_welcome"},"payload":{"session":{"id":"sess-1","status":"connected","keepalive_timeout_seconds":10}}}`

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

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

type fixture struct {
	store   *db.MemoryStore
	twitch  *testutil.MockTwitchServer
	chatURL string
	esURL   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tw := testutil.NewMockTwitchServer(t)
	tw.MockValidate(map[string][2]string{
		"host-token": {"streamer", "100"},
		"bot-token":  {"edobot", "200"},
	})
	tw.MockModerators("mod1")
	tw.MockSubscribers("sub1")
	tw.MockEventSub()
	es := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(welcome))
		testutil.DrainUntilClosed(ws)
	})
	return &fixture{store: db.NewMemoryStore(), twitch: tw, esURL: es.URL}
}

func (f *fixture) session(t *testing.T, active ...string) *Session {
	t.Helper()
	catalog := component.NewCatalog()
	if err := components.Register(catalog); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		EventProtocol:       config.ProtocolEventSub,
		ChatURL:             f.chatURL,
		EventSubURL:         f.esURL,
		HelixURL:            f.twitch.HelixURL(),
		ReconnectMaxBackoff: 50 * time.Millisecond,
		ChatSendRetryDelay:  10 * time.Millisecond,
		ControlHost:         "127.0.0.1",
		ControlPort:         closedPort(t),
		ControlDialInterval: 10 * time.Millisecond,
		Components:          active,
	}
	s := New(Options{Config: cfg, Store: f.store, Catalog: catalog, ValidateURL: f.twitch.ValidateURL()})
	t.Cleanup(s.Stop)
	return s
}

func (f *fixture) saveToken(t *testing.T, account, access string) {
	t.Helper()
	if err := f.store.SaveToken(context.Background(), db.Token{Account: account, AccessToken: access}); err != nil {
		t.Fatal(err)
	}
}

func TestStartWithoutTokenNeedsCredentials(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	err := s.Start(context.Background())
	if !errors.Is(err, ErrNeedsCredentials) {
		t.Fatalf("Start() error = %v, want ErrNeedsCredentials", err)
	}
	st := s.Status()
	if st.Running || st.State != StateNeedsCredentials || st.Error == "" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestStartWithRejectedTokenNeedsCredentials(t *testing.T) {
	f := newFixture(t)
	f.saveToken(t, db.AccountHost, "revoked")
	s := f.session(t)
	if err := s.Start(context.Background()); !errors.Is(err, ErrNeedsCredentials) {
		t.Fatalf("Start() error = %v, want ErrNeedsCredentials", err)
	}
	if s.Running() {
		t.Error("session running with a rejected token")
	}
}

func TestSessionRoutesChatToComponents(t *testing.T) {
	f := newFixture(t)
	handshake := make(chan []string, 1)
	reply := make(chan string, 1)
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		lines, err := readLines(ws, 4)
		if err != nil {
			return
		}
		handshake <- lines
		frame := ":tmi.twitch.tv 001 edobot :Welcome, GLHF!\r\n" +
			"@badges=;display-name=Viewer;mod=0 :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #streamer :!ping\r\n"
		_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
		if out, err := readLines(ws, 1); err == nil {
			reply <- out[0]
		}
		testutil.DrainUntilClosed(ws)
	})
	f.chatURL = srv.URL
	f.saveToken(t, db.AccountHost, "host-token")
	f.saveToken(t, db.AccountBot, "bot-token")

	s := f.session(t, components.CommandsID)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}

	select {
	case lines := <-handshake:
		if lines[0] != "PASS oauth:bot-token" || lines[1] != "NICK edobot" || lines[3] != "JOIN #streamer" {
			t.Errorf("handshake = %q", lines)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no chat handshake")
	}
	select {
	case got := <-reply:
		if got != "PRIVMSG #streamer :pong" {
			t.Errorf("reply = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply to !ping")
	}

	st := s.Status()
	if !st.Running || st.State != StateRunning || st.Channel != "streamer" || st.BotLogin != "edobot" {
		t.Errorf("Status() = %+v", st)
	}
	if !reflect.DeepEqual(st.Components, []string{components.CommandsID}) {
		t.Errorf("components = %v", st.Components)
	}

	// Validation stores the token owners.
	tok, err := f.store.GetToken(context.Background(), db.AccountHost)
	if err != nil || tok.Login != "streamer" || tok.UserID != "100" {
		t.Errorf("host token = %+v, %v", tok, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(f.twitch.Subscriptions()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	subs := f.twitch.Subscriptions()
	if len(subs) == 0 {
		t.Fatal("no EventSub subscriptions created")
	}
	tr, _ := subs[0]["transport"].(map[string]any)
	if tr["session_id"] != "sess-1" {
		t.Errorf("subscription transport = %v", subs[0]["transport"])
	}

	s.Stop()
	st = s.Status()
	if st.Running || st.State != StateStopped || len(st.Components) != 0 {
		t.Errorf("Status() after Stop = %+v", st)
	}
	s.Stop()
}

func TestSessionChatsAsHostWithoutBotToken(t *testing.T) {
	f := newFixture(t)
	handshake := make(chan []string, 1)
	srv := testutil.NewWSServer(t, func(ws *websocket.Conn, n int) {
		if lines, err := readLines(ws, 2); err == nil {
			handshake <- lines
		}
		testutil.DrainUntilClosed(ws)
	})
	f.chatURL = srv.URL
	f.saveToken(t, db.AccountHost, "host-token")

	s := f.session(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	select {
	case lines := <-handshake:
		want := []string{"PASS oauth:host-token", "NICK streamer"}
		if !reflect.DeepEqual(lines, want) {
			t.Errorf("handshake = %q, want %q", lines, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no chat handshake")
	}
}

func TestSessionComponentsPersistWhileStopped(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	ctx := context.Background()

	if err := s.AddComponent(ctx, components.EchoID); err != nil {
		t.Fatalf("AddComponent() error: %v", err)
	}
	if err := s.AddComponent(ctx, components.EchoID); !errors.Is(err, dispatch.ErrAlreadyActive) {
		t.Errorf("duplicate AddComponent() error = %v", err)
	}
	if err := s.AddComponent(ctx, "nope"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("unknown AddComponent() error = %v", err)
	}
	ids, err := s.Components(ctx)
	if err != nil || !reflect.DeepEqual(ids, []string{components.EchoID}) {
		t.Errorf("Components() = %v, %v", ids, err)
	}
	if err := s.RemoveComponent(ctx, components.EchoID); err != nil {
		t.Fatalf("RemoveComponent() error: %v", err)
	}
	if err := s.RemoveComponent(ctx, components.EchoID); !errors.Is(err, dispatch.ErrNotActive) {
		t.Errorf("second RemoveComponent() error = %v", err)
	}
	stored, found, _ := f.store.ActiveComponents(ctx)
	if !found || len(stored) != 0 {
		t.Errorf("stored = %v, found %v", stored, found)
	}
}

func TestSetControlConfig(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	want := control.Config{Host: "obs.local", Port: 4455, Password: "pw"}
	s.SetControlConfig(want)
	if got := s.ControlConfig(); got != want {
		t.Errorf("ControlConfig() = %+v, want %+v", got, want)
	}
}
