package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/ndovu/selfheal/internal/domain"
)

// Event is the status payload fanned out to every configured channel.
type Event struct {
	AttemptID     string                `json:"attempt_id"`
	Target        string                `json:"target"`
	Revision      string                `json:"revision"`
	Status        domain.AttemptStatus  `json:"status"`
	AttemptNumber int                   `json:"attempt_number"`
	Message       string                `json:"message"`
	Diagnostics   map[string]string     `json:"diagnostics,omitempty"`
	At            time.Time             `json:"at"`
}

// Delivery is the per-channel outcome of a broadcast.
type Delivery struct {
	Channel   domain.NotificationChannel
	Delivered bool
	Attempts  int
	SentAt    time.Time
	Err       error
}

// Channel sends one event to one destination.
type Channel interface {
	Name() domain.NotificationChannel
	Send(ctx context.Context, event Event) error
}

// Dispatcher fans an event out to all channels in parallel. A failure in
// one channel never blocks the others; each channel gets at most one retry
// after a fixed delay, then the failure is recorded permanently.
type Dispatcher struct {
	channels   []Channel
	retryDelay time.Duration
	logger     *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewDispatcher constructs a Dispatcher over the given channels.
func NewDispatcher(channels []Channel, retryDelay time.Duration, logger *slog.Logger) *Dispatcher {
	if retryDelay <= 0 {
		retryDelay = 3 * time.Second
	}
	return &Dispatcher{
		channels:   channels,
		retryDelay: retryDelay,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Broadcast delivers the event to every channel and returns one Delivery
// per channel, in channel order.
func (d *Dispatcher) Broadcast(ctx context.Context, event Event) []Delivery {
	if len(d.channels) == 0 {
		return nil
	}
	results := make([]Delivery, len(d.channels))
	var wg sync.WaitGroup
	for i, ch := range d.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.deliver(ctx, ch, event)
		}(i, ch)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, event Event) Delivery {
	delivery := Delivery{Channel: ch.Name(), SentAt: d.now()}
	for attempt := 1; attempt <= 2; attempt++ {
		delivery.Attempts = attempt
		err := d.send(ctx, ch, event)
		if err == nil {
			delivery.Delivered = true
			delivery.Err = nil
			return delivery
		}
		delivery.Err = err
		if d.logger != nil {
			d.logger.Warn("notification send failed",
				"attempt_id", event.AttemptID,
				"channel", ch.Name(),
				"send_attempt", attempt,
				"error", err,
			)
		}
		if attempt == 1 {
			if sleepErr := d.sleep(ctx, d.retryDelay); sleepErr != nil {
				return delivery
			}
		}
	}
	return delivery
}

// send isolates a channel's Send call so a panicking channel cannot take
// down the other deliveries.
func (d *Dispatcher) send(ctx context.Context, ch Channel, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Name(), r)
		}
	}()
	return ch.Send(ctx, event)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
