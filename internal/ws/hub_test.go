package ws

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ndovu/selfheal/internal/domain"
)

type chanSubscriber struct {
	payloads chan []byte
	fail     bool
	closed   chan struct{}
}

func newChanSubscriber(fail bool) *chanSubscriber {
	return &chanSubscriber{payloads: make(chan []byte, 8), fail: fail, closed: make(chan struct{}, 1)}
}

func (s *chanSubscriber) Send(payload []byte) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.payloads <- payload
	return nil
}

func (s *chanSubscriber) Close() {
	select {
	case s.closed <- struct{}{}:
	default:
	}
}

func (s *chanSubscriber) waitPayload(t *testing.T) []byte {
	t.Helper()
	select {
	case payload := <-s.payloads:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for payload")
		return nil
	}
}

func sampleTransition() domain.Transition {
	return domain.Transition{
		AttemptID: "att-1",
		Target:    "web",
		Revision:  "v2",
		From:      domain.StatusPending,
		To:        domain.StatusDeploying,
		At:        time.Now().UTC(),
	}
}

func TestHubDeliversToAttemptStream(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	sub := newChanSubscriber(false)
	hub.Register("att-1", sub)

	hub.Publish(sampleTransition())

	var tr domain.Transition
	if err := json.Unmarshal(sub.waitPayload(t), &tr); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if tr.AttemptID != "att-1" || tr.To != domain.StatusDeploying {
		t.Fatalf("unexpected transition %+v", tr)
	}
}

func TestHubFirehoseSeesAllAttempts(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	all := newChanSubscriber(false)
	hub.Register(StreamAll, all)

	first := sampleTransition()
	second := sampleTransition()
	second.AttemptID = "att-2"
	hub.Publish(first)
	hub.Publish(second)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		var tr domain.Transition
		if err := json.Unmarshal(all.waitPayload(t), &tr); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		got[tr.AttemptID] = true
	}
	if !got["att-1"] || !got["att-2"] {
		t.Fatalf("firehose missed attempts: %v", got)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	broken := newChanSubscriber(true)
	healthy := newChanSubscriber(false)
	hub.Register("att-1", broken)
	hub.Register("att-1", healthy)

	hub.Publish(sampleTransition())
	healthy.waitPayload(t)

	select {
	case <-broken.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("failing subscriber was not closed")
	}

	// The healthy subscriber keeps receiving after the broken one is gone.
	hub.Publish(sampleTransition())
	healthy.waitPayload(t)
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Shutdown()

	sub := newChanSubscriber(false)
	hub.Register("att-1", sub)
	hub.Publish(sampleTransition())
	sub.waitPayload(t)

	hub.Unregister("att-1", sub)
	hub.Publish(sampleTransition())

	select {
	case payload := <-sub.payloads:
		t.Fatalf("unexpected payload after unregister: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}
