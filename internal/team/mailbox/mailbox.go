// Package mailbox carries worker-to-worker messages and the team event
// log. Mailboxes are per-worker JSON arrays rewritten atomically; the
// event log is append-only NDJSON. Every write is mirrored onto an
// in-process broker so the monitor can observe without re-reading files.
package mailbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/pubsub"
	"github.com/zjrosen/omx/internal/team/manifest"
	"github.com/zjrosen/omx/internal/team/store"
)

// Message is one mailbox entry. delivered_at records the atomic write,
// notified_at records the transport poke that told the worker to look.
type Message struct {
	MessageID   string     `json:"message_id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Broadcast   bool       `json:"broadcast,omitempty"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
}

// EventType classifies team event log entries.
type EventType string

const (
	EventTaskCompleted    EventType = "task_completed"
	EventWorkerIdle       EventType = "worker_idle"
	EventWorkerStopped    EventType = "worker_stopped"
	EventMessageReceived  EventType = "message_received"
	EventShutdownAck      EventType = "shutdown_ack"
	EventApprovalDecision EventType = "approval_decision"
	EventLeaderNudge      EventType = "team_leader_nudge"
)

// Event is one NDJSON event log entry.
type Event struct {
	EventID   string            `json:"event_id"`
	Type      EventType         `json:"type"`
	Worker    string            `json:"worker,omitempty"`
	TaskID    int               `json:"task_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Box is the mailbox and event log for one team.
type Box struct {
	layout store.Layout
	events *pubsub.Broker[Event]
	now    func() time.Time
}

// New creates a Box. The broker may be shared with the monitor; pass
// nil to skip in-process mirroring.
func New(layout store.Layout, events *pubsub.Broker[Event]) *Box {
	return &Box{layout: layout, events: events, now: time.Now}
}

// Send appends a message to the recipient's mailbox and logs a
// message_received event. Append is read-rewrite under the atomic
// store, so concurrent senders never truncate each other mid-file.
func (b *Box) Send(from, to, body string) (*Message, error) {
	return b.send(from, to, body, false)
}

func (b *Box) send(from, to, body string, broadcast bool) (*Message, error) {
	msg := &Message{
		MessageID: uuid.NewString(),
		From:      from,
		To:        to,
		Broadcast: broadcast,
		Body:      body,
		CreatedAt: b.now(),
	}
	if err := b.append(to, msg); err != nil {
		return nil, err
	}

	if err := b.Append(Event{
		Type:   EventMessageReceived,
		Worker: to,
		Detail: map[string]string{"from": from, "message_id": msg.MessageID},
	}); err != nil {
		return nil, err
	}

	log.Debug(log.CatMail, "Message sent", "from", from, "to", to, "message_id", msg.MessageID)
	return msg, nil
}

// SendBroadcast fans a message out to every roster worker except the
// sender. Each recipient gets a distinct message id.
func (b *Box) SendBroadcast(m *manifest.Manifest, from, body string) ([]*Message, error) {
	var sent []*Message
	for _, w := range m.Workers {
		if w.Name == from {
			continue
		}
		msg, err := b.send(from, w.Name, body, true)
		if err != nil {
			return sent, err
		}
		sent = append(sent, msg)
	}
	return sent, nil
}

// List returns the full mailbox for a worker, oldest first.
func (b *Box) List(worker string) ([]Message, error) {
	msgs, err := store.ReadJSON[[]Message](b.layout.Mailbox(worker), "mailbox")
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		return nil, nil
	}
	return *msgs, nil
}

// MarkDelivered stamps delivered_at on one message. Idempotent; reports
// whether this call changed anything.
func (b *Box) MarkDelivered(worker, messageID string) (bool, error) {
	changed := false
	err := b.patch(worker, messageID, func(cur *Message) {
		if cur.DeliveredAt == nil {
			now := b.now()
			cur.DeliveredAt = &now
			changed = true
		}
	})
	return changed, err
}

// MarkNotified stamps notified_at on one message. Idempotent.
func (b *Box) MarkNotified(worker, messageID string) (bool, error) {
	changed := false
	err := b.patch(worker, messageID, func(cur *Message) {
		if cur.NotifiedAt == nil {
			now := b.now()
			cur.NotifiedAt = &now
			changed = true
		}
	})
	return changed, err
}

// Undelivered returns messages not yet marked delivered, oldest first.
func (b *Box) Undelivered(worker string) ([]Message, error) {
	msgs, err := b.List(worker)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range msgs {
		if m.DeliveredAt == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// Append writes an event to the NDJSON log and mirrors it on the
// broker. The id and timestamp are filled in here.
func (b *Box) Append(ev Event) error {
	ev.EventID = uuid.NewString()
	ev.CreatedAt = b.now()
	if err := store.AppendJSONLine(b.layout.Events(), ev); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if b.events != nil {
		b.events.Publish(pubsub.CreatedEvent, ev)
	}
	return nil
}

// Events reads the whole event log forward. Malformed lines are skipped.
func (b *Box) Events() ([]Event, error) {
	return store.ReadLines[Event](b.layout.Events(), "event")
}

// append rewrites the recipient's mailbox array with msg added.
func (b *Box) append(worker string, msg *Message) error {
	if err := store.EnsureDir(b.layout.MailboxDir()); err != nil {
		return err
	}
	existing, err := b.List(worker)
	if err != nil {
		return err
	}
	return store.WriteJSON(b.layout.Mailbox(worker), append(existing, *msg))
}

// patch rewrites one message in place by id. Unknown ids are a no-op.
// Stamps are mirrored on the broker as updates so in-process observers
// track delivery state without re-reading mailbox files; they are not
// appended to the persistent event log.
func (b *Box) patch(worker, messageID string, fn func(*Message)) error {
	msgs, err := b.List(worker)
	if err != nil {
		return err
	}
	found := false
	for i := range msgs {
		if msgs[i].MessageID == messageID {
			fn(&msgs[i])
			found = true
		}
	}
	if !found {
		return nil
	}
	if err := store.WriteJSON(b.layout.Mailbox(worker), msgs); err != nil {
		return err
	}
	if b.events != nil {
		b.events.Publish(pubsub.UpdatedEvent, Event{
			Type:      EventMessageReceived,
			Worker:    worker,
			Detail:    map[string]string{"message_id": messageID},
			CreatedAt: b.now(),
		})
	}
	return nil
}
