package bus

import (
	"fmt"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})

	select {
	case got := <-b.Subscribe():
		if got.Channel != "telegram" || got.Content != "hi" {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestPublish_PreservesOrder(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Publish(domain.InboundMessage{Channel: "telegram", Content: fmt.Sprintf("m%d", i)})
	}

	inbound := b.Subscribe()
	for i := 0; i < 5; i++ {
		got := <-inbound
		if want := fmt.Sprintf("m%d", i); got.Content != want {
			t.Fatalf("message %d out of order: got %q", i, got.Content)
		}
	}
}

func TestSendOutbound_RoutesByChannel(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	got := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("discord", func(m domain.OutboundMessage) { got <- m })

	b.SendOutbound(domain.OutboundMessage{Channel: "discord", ChatID: "c1", Content: "reply"})

	select {
	case m := <-got:
		if m.ChatID != "c1" || m.Content != "reply" {
			t.Fatalf("unexpected outbound %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never called")
	}
}

func TestSendOutbound_UnknownChannelDropped(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	// No handler registered; must not panic.
	b.SendOutbound(domain.OutboundMessage{Channel: "nowhere", Content: "reply"})
}

func TestPublish_AfterCloseDropped(t *testing.T) {
	b := New(10, nil)
	b.Close()

	// Must not panic on the closed channel.
	b.Publish(domain.InboundMessage{Channel: "telegram", Content: "late"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed inbound stream")
	}
}

func TestClose_Idempotent(t *testing.T) {
	b := New(10, nil)
	b.Close()
	b.Close()
}
