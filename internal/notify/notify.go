// Package notify carries presence and core-time events to the chat channel.
// The core only hands events to a Notifier; delivery happens out of band so a
// failing chat API never affects recorded state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"presence/internal/queue"
)

// Kind names the event type.
type Kind string

const (
	KindEntry     Kind = "entry"
	KindExit      Kind = "exit"
	KindViolation Kind = "violation"
	KindReset     Kind = "reset"
)

// MessageType tags notification messages on the queue.
const MessageType = "presence.event"

// Event is the structured payload handed to the notification channel.
type Event struct {
	Kind     Kind      `json:"kind"`
	MemberID string    `json:"member_id,omitempty"`
	Name     string    `json:"name,omitempty"`
	At       time.Time `json:"at"`

	// exit
	StayHours   int `json:"stay_hours,omitempty"`
	StayMinutes int `json:"stay_minutes,omitempty"`

	// violation
	Date string `json:"date,omitempty"`
	Day  int    `json:"day,omitempty"`
	Slot int    `json:"slot,omitempty"`

	// reset
	Members []string `json:"members,omitempty"`
}

// Notifier accepts events. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// QueueNotifier publishes events to a queue for the worker to deliver.
type QueueNotifier struct {
	q queue.Queue
}

// NewQueueNotifier wraps q.
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{q: q}
}

func (n *QueueNotifier) Notify(ctx context.Context, ev Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	return n.q.Publish(ctx, msg)
}

// Encode wraps ev in a queue message.
func Encode(ev Event) (queue.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return queue.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return queue.Message{Type: MessageType, Body: body}, nil
}

// Decode extracts the event from a queue message.
func Decode(msg queue.Message) (Event, error) {
	if msg.Type != MessageType {
		return Event{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var ev Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Format renders ev as a chat message.
func Format(ev Event) string {
	at := ev.At.Format("2006-01-02 15:04:05")
	switch ev.Kind {
	case KindEntry:
		return fmt.Sprintf("🟢 %s entered.\nTime: %s", displayName(ev), at)
	case KindExit:
		return fmt.Sprintf("🔴 %s left after %dh %dm.\nTime: %s", displayName(ev), ev.StayHours, ev.StayMinutes, at)
	case KindViolation:
		return fmt.Sprintf("⚠️ Core time violation\n\nMember: %s\nName: %s\nWhen: %s period %d",
			ev.MemberID, ev.Name, ev.Date, ev.Slot)
	case KindReset:
		if len(ev.Members) == 0 {
			return "🔄 Presence reset: nobody was present."
		}
		return fmt.Sprintf("🔄 Presence reset.\n\nCleared:\n・%s", strings.Join(ev.Members, "\n・"))
	default:
		return fmt.Sprintf("%s %s at %s", ev.Kind, ev.MemberID, at)
	}
}

func displayName(ev Event) string {
	if ev.Name == "" {
		return ev.MemberID
	}
	return fmt.Sprintf("%s (%s)", ev.Name, ev.MemberID)
}
