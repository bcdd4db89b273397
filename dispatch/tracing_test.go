package dispatch

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/chatdeck/events"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestComponentCallsAreTraced(t *testing.T) {
	rec := recordSpans(t)
	bad := &fakeComponent{id: "bad", panicOn: "error"}
	good := &fakeComponent{id: "good"}
	d := newRunning(t, bad, good)

	d.DispatchMessage(context.Background(), msg("viewer", "hello"))
	d.DispatchEvent(context.Background(), events.KindRaid, events.RaidEvent{FromLogin: "x"})

	type key struct{ name, component string }
	got := map[key]codes.Code{}
	parents := 0
	for _, s := range rec.Ended() {
		switch s.Name() {
		case "dispatch.message", "dispatch.event":
			parents++
			continue
		}
		var id string
		for _, a := range s.Attributes() {
			if a.Key == "chatdeck.component" {
				id = a.Value.AsString()
			}
		}
		got[key{s.Name(), id}] = s.Status().Code
	}

	if parents != 2 {
		t.Errorf("dispatch spans = %d, want 2", parents)
	}
	want := map[key]codes.Code{
		{"component.process_message", "bad"}:  codes.Error,
		{"component.process_message", "good"}: codes.Ok,
		{"component.process_event", "bad"}:    codes.Ok,
		{"component.process_event", "good"}:   codes.Ok,
	}
	for k, code := range want {
		if got[k] != code {
			t.Errorf("span %s for %s: status = %v, want %v", k.name, k.component, got[k], code)
		}
	}
}
