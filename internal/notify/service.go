// Package notify persists user notifications and mirrors them onto a NATS
// subject for live consumers. Emission is a best-effort post-commit step: a
// failed notification never rolls back the state change that triggered it.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-lms/internal/data"
)

const DefaultSubject = "lms.notifications"

type Event struct {
	NotificationID int64     `json:"notification_id"`
	UserID         int64     `json:"user_id"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

type Service struct {
	Repo    data.NotificationModel
	Hub     *Hub
	conn    *nats.Conn
	subject string
}

// NewService creates a notifier. conn may be nil, in which case events are
// only written to the database and the local hub.
func NewService(repo data.NotificationModel, hub *Hub, conn *nats.Conn, subject string) *Service {
	if subject == "" {
		subject = DefaultSubject
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Service{Repo: repo, Hub: hub, conn: conn, subject: subject}
}

// Notify records a notification for the user. Errors are logged, not
// returned; callers treat notification delivery as fire-and-forget.
func (s *Service) Notify(ctx context.Context, userID int64, title, message string) {
	n := &data.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
	}
	if err := s.Repo.Create(ctx, n); err != nil {
		log.Printf("notify: store notification for user %d: %v", userID, err)
		return
	}
	s.publish(n)
}

func (s *Service) publish(n *data.Notification) {
	ev := Event{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Title:          n.Title,
		Message:        n.Message,
		CreatedAt:      n.CreatedAt,
	}
	s.Hub.Broadcast(ev)

	if s.conn == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("notify: marshal event: %v", err)
		return
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		log.Printf("notify: publish to %s: %v", s.subject, err)
	}
}
