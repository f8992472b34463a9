package capability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DirectMessage is a private message from one user to another
type DirectMessage struct {
	Sender    int64
	Recipient int64
	Body      string
	Format    string // text format the body was filtered with, e.g. "basic_html"
}

// Delivery identifies the stored thread and message
type Delivery struct {
	ThreadID  uuid.UUID
	MessageID uuid.UUID
	SentAt    time.Time
}

// Messenger delivers private messages
type Messenger interface {
	Deliver(ctx context.Context, m DirectMessage) (Delivery, error)
}

// PostgresMessenger stores private messages in the message thread tables.
// Every delivery opens a new locked thread owned by the sender, so recipients
// cannot reply to automated messages.
type PostgresMessenger struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresMessenger creates a messenger over an open database
func NewPostgresMessenger(db *sql.DB) *PostgresMessenger {
	return &PostgresMessenger{db: db, now: time.Now}
}

// Deliver writes the thread, its members and the message in one transaction
func (m *PostgresMessenger) Deliver(ctx context.Context, msg DirectMessage) (Delivery, error) {
	if msg.Format == "" {
		msg.Format = "plain_text"
	}

	d := Delivery{ThreadID: uuid.New(), MessageID: uuid.New(), SentAt: m.now().UTC()}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO private_message_threads (id, owner_uid, locked, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		d.ThreadID, msg.Sender, true, d.SentAt, d.SentAt)
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to create thread: %w", err)
	}

	members := `INSERT INTO private_message_thread_members (thread_id, uid, unread) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, members, d.ThreadID, msg.Sender, false); err != nil {
		return Delivery{}, fmt.Errorf("failed to add sender to thread: %w", err)
	}
	// a note to self has a single member
	if msg.Recipient != msg.Sender {
		if _, err := tx.ExecContext(ctx, members, d.ThreadID, msg.Recipient, true); err != nil {
			return Delivery{}, fmt.Errorf("failed to add recipient to thread: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO private_messages (id, thread_id, author_uid, body, format, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		d.MessageID, d.ThreadID, msg.Sender, msg.Body, msg.Format, d.SentAt)
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to store message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Delivery{}, fmt.Errorf("failed to commit message: %w", err)
	}
	return d, nil
}
