package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/natsserver"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

func TestPublishDeliversEnvelope(t *testing.T) {
	srv, err := natsserver.New(natsserver.Config{StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	got := make(chan *nats.Msg, 1)
	sub, err := srv.Conn().ChanSubscribe(protocol.SubjectAllEvents, got)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	p := New(srv.Conn(), protocol.SourceSync, zerolog.Nop())
	p.Publish(protocol.EventSyncCompleted, map[string]any{"account_id": "a1"})

	select {
	case msg := <-got:
		if msg.Subject != "calhub.events.sync" {
			t.Errorf("subject = %q", msg.Subject)
		}
		var ev protocol.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != protocol.EventSyncCompleted || ev.Source != "sync" || ev.Payload["account_id"] != "a1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	p.Publish(protocol.EventSyncStarted, nil)

	New(nil, protocol.SourceRules, zerolog.Nop()).Publish(protocol.EventRuleExecuted, nil)
}
