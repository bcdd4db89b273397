package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeStudio is an in-process control API with two scenes and one text source.
type fakeStudio struct {
	password string

	mu          sync.Mutex
	active      string
	authCalls   int
	calls       map[string]int
	busyOnce    map[string]bool
	form        []formField
	dropAfterOK bool
	conns       int
}

func newFakeStudio(password string) *fakeStudio {
	return &fakeStudio{
		password: password,
		active:   "s1",
		calls:    make(map[string]int),
		busyOnce: make(map[string]bool),
	}
}

func (f *fakeStudio) AuthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func (f *fakeStudio) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeStudio) Conns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func (f *fakeStudio) scene(id string) map[string]string {
	names := map[string]string{"s1": "Starting", "s2": "Game"}
	return map[string]string{"id": id, "name": names[id], "resourceId": `Scene["` + id + `"]`}
}

func (f *fakeStudio) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/websocket" {
		http.NotFound(w, r)
		return
	}
	up := websocket.Upgrader{}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	f.mu.Lock()
	f.conns++
	conn := f.conns
	f.mu.Unlock()

	for {
		var req rpcRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		result, rpcErr := f.handle(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		if err := ws.WriteJSON(resp); err != nil {
			return
		}
		f.mu.Lock()
		drop := f.dropAfterOK && req.Method == "auth" && rpcErr == nil && conn == 1
		f.mu.Unlock()
		if drop {
			return
		}
	}
}

func (f *fakeStudio) handle(req rpcRequest) (any, *RPCError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Method]++
	if f.busyOnce[req.Method] {
		delete(f.busyOnce, req.Method)
		return nil, &RPCError{Code: -32000, Message: "API server is busy"}
	}
	switch req.Method {
	case "auth":
		f.authCalls++
		if len(req.Params.Args) == 1 && req.Params.Args[0] == f.password {
			return true, nil
		}
		return nil, &RPCError{Code: -32600, Message: "Invalid token"}
	case "getScenes":
		return []map[string]string{f.scene("s1"), f.scene("s2")}, nil
	case "activeScene":
		return f.scene(f.active), nil
	case "makeSceneActive":
		id, _ := req.Params.Args[0].(string)
		if id != "s1" && id != "s2" {
			return false, nil
		}
		f.active = id
		return true, nil
	case "getNodeByName":
		if req.Params.Args[0] != "Alerts" {
			return nil, nil
		}
		return map[string]string{"resourceId": `SceneItem["node-1"]`}, nil
	case "getSource":
		return map[string]string{"resourceId": `Source["text-1"]`}, nil
	case "setPropertiesFormData":
		b, _ := json.Marshal(req.Params.Args[0])
		_ = json.Unmarshal(b, &f.form)
		return nil, nil
	}
	return nil, &RPCError{Code: -32601, Message: "method not found"}
}

func startStudio(t *testing.T, f *fakeStudio) Config {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return configFor(t, srv.Listener.Addr().String(), f.password)
}

func configFor(t *testing.T, addr, password string) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return Config{
		Host:         host,
		Port:         port,
		Password:     password,
		DialInterval: 10 * time.Millisecond,
		CallTimeout:  2 * time.Second,
		BusyDelay:    10 * time.Millisecond,
	}
}

func runConnector(t *testing.T, cfg Config) *Connector {
	t.Helper()
	c := NewConnector(cfg)
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Stop()
		<-c.Done()
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOperationsAreNoopsWhenDisconnected(t *testing.T) {
	c := NewConnector(Config{})
	ctx := context.Background()

	if c.Connected() {
		t.Error("Connected() = true before Run")
	}
	if s := c.Scenes(ctx); s != nil {
		t.Errorf("Scenes() = %v, want nil", s)
	}
	if _, ok := c.CurrentScene(ctx); ok {
		t.Error("CurrentScene() ok = true")
	}
	if c.SetScene(ctx, "Game") {
		t.Error("SetScene() = true")
	}
	if c.SetTextSourceProperties(ctx, "Alerts", map[string]string{"text": "hi"}) {
		t.Error("SetTextSourceProperties() = true")
	}
}

func TestConnectorSceneOperations(t *testing.T) {
	studio := newFakeStudio("secret")
	c := runConnector(t, startStudio(t, studio))
	waitFor(t, "connection", c.Connected)
	ctx := context.Background()

	scenes := c.Scenes(ctx)
	if len(scenes) != 2 || scenes[1].Name != "Game" {
		t.Fatalf("Scenes() = %+v", scenes)
	}
	cur, ok := c.CurrentScene(ctx)
	if !ok || cur.Name != "Starting" {
		t.Errorf("CurrentScene() = %+v, %v", cur, ok)
	}
	if !c.SetScene(ctx, "Game") {
		t.Error("SetScene(Game) = false")
	}
	if cur, _ := c.CurrentScene(ctx); cur.Name != "Game" {
		t.Errorf("active scene after switch = %q", cur.Name)
	}
	if c.SetScene(ctx, "Missing") {
		t.Error("SetScene(Missing) = true")
	}

	if !c.SetTextSourceProperties(ctx, "Alerts", map[string]string{"text": "thanks fan", "color": "4294967295"}) {
		t.Fatal("SetTextSourceProperties() = false")
	}
	want := []formField{{Name: "color", Value: "4294967295"}, {Name: "text", Value: "thanks fan"}}
	studio.mu.Lock()
	got := studio.form
	studio.mu.Unlock()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("form data = %+v, want %+v", got, want)
	}
	if c.SetTextSourceProperties(ctx, "NoSuchSource", map[string]string{"text": "x"}) {
		t.Error("SetTextSourceProperties(unknown source) = true")
	}
}

func TestConnectorWaitsForNewSettingsAfterAuthFailure(t *testing.T) {
	studio := newFakeStudio("right")
	cfg := startStudio(t, studio)
	cfg.Password = "wrong"
	c := runConnector(t, cfg)

	waitFor(t, "auth attempt", func() bool { return studio.AuthCalls() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if n := studio.AuthCalls(); n != 1 {
		t.Fatalf("auth attempts = %d while parked, want 1", n)
	}
	if c.Connected() {
		t.Fatal("Connected() = true with wrong password")
	}

	cfg.Password = "right"
	c.SetConfig(cfg)
	waitFor(t, "connection after new settings", c.Connected)
}

func TestConnectorRetriesBusyServerOnce(t *testing.T) {
	studio := newFakeStudio("secret")
	studio.busyOnce["getScenes"] = true
	c := runConnector(t, startStudio(t, studio))
	waitFor(t, "connection", c.Connected)

	if scenes := c.Scenes(context.Background()); len(scenes) != 2 {
		t.Errorf("Scenes() = %+v, want 2 after busy retry", scenes)
	}
	if n := studio.Calls("getScenes"); n != 2 {
		t.Errorf("getScenes calls = %d, want 2", n)
	}
}

func TestConnectorReconnectsAfterDrop(t *testing.T) {
	studio := newFakeStudio("secret")
	studio.dropAfterOK = true
	c := runConnector(t, startStudio(t, studio))

	waitFor(t, "second session", func() bool { return studio.Conns() >= 2 && c.Connected() })
	if n := studio.AuthCalls(); n < 2 {
		t.Errorf("auth calls = %d, want re-auth after drop", n)
	}
}

func TestConnectorDialsUntilListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	studio := newFakeStudio("secret")
	c := runConnector(t, configFor(t, addr, "secret"))
	time.Sleep(50 * time.Millisecond)
	if c.Connected() {
		t.Fatal("Connected() = true with nothing listening")
	}

	l, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s taken again: %v", addr, err)
	}
	srv := httptest.NewUnstartedServer(studio)
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)

	waitFor(t, "connection once listening", c.Connected)
}

func TestConnectorStopIsIdempotent(t *testing.T) {
	c := NewConnector(Config{Host: "127.0.0.1", Port: 1, DialInterval: 10 * time.Millisecond})
	go func() { _ = c.Run(context.Background()) }()
	c.Stop()
	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if err := c.Run(context.Background()); err == nil {
		t.Error("second Run() = nil, want error")
	}
}
