package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ndovu/selfheal/internal/domain"
)

type stubChannel struct {
	name domain.NotificationChannel

	mu    sync.Mutex
	calls int
	errs  []error
	panic bool
}

func (c *stubChannel) Name() domain.NotificationChannel { return c.name }

func (c *stubChannel) Send(_ context.Context, _ Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.panic {
		panic("channel blew up")
	}
	if c.calls <= len(c.errs) {
		return c.errs[c.calls-1]
	}
	return nil
}

func (c *stubChannel) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestDispatcher(channels ...Channel) *Dispatcher {
	d := NewDispatcher(channels, time.Millisecond, nil)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func testEvent() Event {
	return Event{
		AttemptID: "att-1",
		Target:    "web",
		Revision:  "v2",
		Status:    domain.StatusDeploying,
		At:        time.Now(),
	}
}

func TestBroadcastDeliversToAllChannels(t *testing.T) {
	email := &stubChannel{name: domain.ChannelEmail}
	chat := &stubChannel{name: domain.ChannelChat}
	sms := &stubChannel{name: domain.ChannelSMS}
	d := newTestDispatcher(email, chat, sms)

	deliveries := d.Broadcast(context.Background(), testEvent())
	if len(deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(deliveries))
	}
	wantOrder := []domain.NotificationChannel{domain.ChannelEmail, domain.ChannelChat, domain.ChannelSMS}
	for i, delivery := range deliveries {
		if delivery.Channel != wantOrder[i] {
			t.Fatalf("delivery %d: expected channel %s, got %s", i, wantOrder[i], delivery.Channel)
		}
		if !delivery.Delivered {
			t.Fatalf("channel %s should have delivered", delivery.Channel)
		}
		if delivery.Attempts != 1 {
			t.Fatalf("channel %s: expected 1 attempt, got %d", delivery.Channel, delivery.Attempts)
		}
	}
}

func TestBroadcastRetriesOnceThenRecordsFailure(t *testing.T) {
	failing := &stubChannel{name: domain.ChannelWebhook, errs: []error{errors.New("boom"), errors.New("boom again")}}
	healthy := &stubChannel{name: domain.ChannelChat}
	d := newTestDispatcher(failing, healthy)

	deliveries := d.Broadcast(context.Background(), testEvent())

	if deliveries[0].Delivered {
		t.Fatalf("persistently failing channel must record failure")
	}
	if deliveries[0].Attempts != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", deliveries[0].Attempts)
	}
	if deliveries[0].Err == nil {
		t.Fatalf("failure should carry the send error")
	}
	if !deliveries[1].Delivered {
		t.Fatalf("failure in one channel must not affect the others")
	}
	if failing.sendCount() != 2 {
		t.Fatalf("failing channel sent %d times", failing.sendCount())
	}
}

func TestBroadcastRetrySucceeds(t *testing.T) {
	flaky := &stubChannel{name: domain.ChannelSMS, errs: []error{errors.New("transient")}}
	d := newTestDispatcher(flaky)

	deliveries := d.Broadcast(context.Background(), testEvent())
	if !deliveries[0].Delivered {
		t.Fatalf("retry should have recovered the delivery")
	}
	if deliveries[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", deliveries[0].Attempts)
	}
	if deliveries[0].Err != nil {
		t.Fatalf("successful delivery must not carry an error: %v", deliveries[0].Err)
	}
}

func TestBroadcastIsolatesPanickingChannel(t *testing.T) {
	angry := &stubChannel{name: domain.ChannelWebhook, panic: true}
	calm := &stubChannel{name: domain.ChannelEmail}
	d := newTestDispatcher(angry, calm)

	deliveries := d.Broadcast(context.Background(), testEvent())
	if deliveries[0].Delivered {
		t.Fatalf("panicking channel must be recorded as failed")
	}
	if deliveries[0].Err == nil {
		t.Fatalf("panic should surface as a delivery error")
	}
	if !deliveries[1].Delivered {
		t.Fatalf("panic in one channel must not take down the broadcast")
	}
}

func TestBroadcastNoChannels(t *testing.T) {
	d := newTestDispatcher()
	if deliveries := d.Broadcast(context.Background(), testEvent()); deliveries != nil {
		t.Fatalf("expected no deliveries, got %v", deliveries)
	}
}
