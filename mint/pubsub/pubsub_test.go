package pubsub

import (
	"testing"
	"time"
)

func TestPublish(t *testing.T) {
	ps := NewPubSub()
	s1 := ps.Subscribe("quotes")
	s2 := ps.Subscribe("quotes")
	other := ps.Subscribe("proofs")

	if s1.Id() == s2.Id() {
		t.Fatal("expected different subscriber ids")
	}

	ps.Publish("quotes", []byte("paid"))

	for _, s := range []*Subscriber{s1, s2} {
		select {
		case msg := <-s.GetMessages():
			if string(msg.Payload()) != "paid" {
				t.Fatalf("expected payload 'paid' but got '%s'", msg.Payload())
			}
			if msg.Topic() != "quotes" {
				t.Fatalf("expected topic 'quotes' but got '%v'", msg.Topic())
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	select {
	case msg := <-other.GetMessages():
		t.Fatalf("got unexpected message on other topic: %s", msg.Payload())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	ps := NewPubSub()
	s := ps.Subscribe("quotes")
	ps.Unsubscribe(s, "quotes")
	s.Close()
	// closing twice and publishing after close must not panic
	s.Close()
	ps.Publish("quotes", []byte("paid"))

	if _, ok := <-s.GetMessages(); ok {
		t.Fatal("expected closed channel")
	}
}
