package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/GetStream/duochat/chat"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the database connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,
	`CREATE TABLE IF NOT EXISTS users (
		id    text PRIMARY KEY,
		name  text NOT NULL,
		email text NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
		seq             bigserial NOT NULL UNIQUE,
		sender_id       text NOT NULL,
		receiver_id     text NOT NULL,
		message_text    text NOT NULL DEFAULT '',
		audio_locator   text NOT NULL DEFAULT '',
		audio_mime_type text NOT NULL DEFAULT '',
		file_locator    text NOT NULL DEFAULT '',
		file_mime_type  text NOT NULL DEFAULT '',
		sent_at         timestamptz NOT NULL,
		CHECK (sender_id <> receiver_id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_receiver_sender_idx ON messages (receiver_id, sender_id, sent_at, seq)`,
}

// Migrate creates the tables if they do not exist.
func (pg *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := pg.bun.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertMessage inserts a message into the database. The returned message
// holds auto generated fields, such as the message id and sequence.
func (pg *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	m := newMessage(msg)
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("insert: %w", err)
	}
	return m.ChatMessage(), nil
}

// QueryMessages returns the messages whose sender and receiver are in the
// query sets, ordered by send time and insertion sequence.
func (pg *Postgres) QueryMessages(ctx context.Context, q chat.Query) ([]chat.Message, error) {
	if len(q.SenderIn) == 0 || len(q.ReceiverIn) == 0 {
		return nil, nil
	}
	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Where("sender_id IN (?)", bun.In(q.SenderIn)).
		Where("receiver_id IN (?)", bun.In(q.ReceiverIn)).
		Order("sent_at ASC", "seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.ChatMessage()
	}
	return out, nil
}

// Profile returns the profile of the user with the given id.
func (pg *Postgres) Profile(ctx context.Context, id string) (chat.Profile, error) {
	var u user
	err := pg.bun.NewSelect().Model(&u).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Profile{}, fmt.Errorf("%w: %s", chat.ErrProfileNotFound, id)
	}
	if err != nil {
		return chat.Profile{}, fmt.Errorf("scan: %w", err)
	}
	return u.Profile(), nil
}

// Profiles returns every user profile ordered by name.
func (pg *Postgres) Profiles(ctx context.Context) ([]chat.Profile, error) {
	var users []user
	if err := pg.bun.NewSelect().Model(&users).Order("name ASC", "id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]chat.Profile, len(users))
	for i, u := range users {
		out[i] = u.Profile()
	}
	return out, nil
}

// UpsertProfile creates or updates a user profile.
func (pg *Postgres) UpsertProfile(ctx context.Context, p chat.Profile) error {
	u := &user{ID: p.ID, Name: p.Name, Email: p.Email}
	_, err := pg.bun.NewInsert().
		Model(u).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("email = EXCLUDED.email").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}
