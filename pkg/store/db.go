// Copyright 2024-2026 Aiku AI

// Package store persists the room/channel and user link tables that back the
// bridge's state reconciliation, using Postgres via sqlx.
package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_links (
	id                 UUID PRIMARY KEY,
	matrix_room_id     TEXT,
	discord_channel_id TEXT,
	name               TEXT,
	topic              TEXT,
	icon_url           TEXT,
	icon_mxc           TEXT,
	channel_kind       TEXT,
	update_name        BOOLEAN NOT NULL DEFAULT FALSE,
	update_topic       BOOLEAN NOT NULL DEFAULT FALSE,
	update_icon        BOOLEAN NOT NULL DEFAULT FALSE,
	provisioned        TEXT NOT NULL DEFAULT 'auto',
	UNIQUE (matrix_room_id, discord_channel_id)
);
CREATE INDEX IF NOT EXISTS room_links_channel_idx ON room_links (discord_channel_id);

CREATE TABLE IF NOT EXISTS user_links (
	matrix_user_id  TEXT NOT NULL,
	discord_user_id TEXT NOT NULL,
	display_name    TEXT,
	avatar_url      TEXT,
	avatar_mxc      TEXT,
	PRIMARY KEY (matrix_user_id, discord_user_id)
);
CREATE INDEX IF NOT EXISTS user_links_discord_idx ON user_links (discord_user_id);

CREATE TABLE IF NOT EXISTS user_link_nicks (
	discord_user_id TEXT NOT NULL,
	guild_id        TEXT NOT NULL,
	nick            TEXT NOT NULL,
	PRIMARY KEY (discord_user_id, guild_id)
);
`

// DB wraps the sqlx connection pool shared by the link stores.
type DB struct {
	*sqlx.DB
}

// Connect opens a Postgres connection pool for the given URL.
func Connect(databaseURL string) (*DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &DB{db}, nil
}

// Init creates the link tables if they do not exist yet.
func (db *DB) Init(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.DB.Close()
}
