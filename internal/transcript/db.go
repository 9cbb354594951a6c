// Package transcript mirrors chat timelines into PostgreSQL so past
// conversations can be read back after the session ends.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
            id UUID PRIMARY KEY,
            room_id VARCHAR(64) NOT NULL,
            author VARCHAR(255) NOT NULL,
            body TEXT NOT NULL,
            locally_originated BOOLEAN NOT NULL DEFAULT FALSE,
            status VARCHAR(10) CHECK (status IN ('pending', 'sent', 'failed')) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS chat_messages_room_created_idx
            ON chat_messages (room_id, created_at)`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}
