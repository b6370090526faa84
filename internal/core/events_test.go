package core

import (
	"testing"
	"time"
)

func TestFanoutSinkDeliversToAll(t *testing.T) {
	t.Parallel()

	a := &recordingSink{}
	b := &recordingSink{}
	f := FanoutSink{a, b}

	f.Publish(Event{Kind: EventConnected, RendererID: "r1", At: time.Now()})
	f.Publish(Event{Kind: EventDisconnected, RendererID: "r1", Detail: "byebye"})

	for i, s := range []*recordingSink{a, b} {
		if !s.has(EventConnected) || !s.has(EventDisconnected) {
			t.Errorf("sink %d missed events: %+v", i, s.events)
		}
	}
}
