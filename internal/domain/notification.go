package domain

import "time"

// NotificationChannel identifies a delivery channel.
type NotificationChannel string

const (
	ChannelEmail   NotificationChannel = "email"
	ChannelChat    NotificationChannel = "chat"
	ChannelSMS     NotificationChannel = "sms"
	ChannelWebhook NotificationChannel = "webhook"
)

// NotificationEvent records one delivery outcome per channel per state
// transition. Failed deliveries are recorded, never retried beyond the
// dispatcher's single retry.
type NotificationEvent struct {
	AttemptID string              `json:"attempt_id"`
	Channel   NotificationChannel `json:"channel"`
	Message   string              `json:"message,omitempty"`
	SentAt    time.Time           `json:"sent_at"`
	Delivered bool                `json:"delivered"`
	Error     string              `json:"error,omitempty"`
}
