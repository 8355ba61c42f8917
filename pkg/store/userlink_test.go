// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"
)

var userLinkColumns = []string{
	"matrix_user_id", "discord_user_id", "display_name", "avatar_url", "avatar_mxc",
}

func userLinkRow(link *UserLink) *sqlmock.Rows {
	return sqlmock.NewRows(userLinkColumns).AddRow(
		link.MatrixUserID, link.DiscordUserID, link.DisplayName, link.AvatarURL, link.AvatarMXC,
	)
}

func TestUserLinkStoreGetByDiscordUserCaches(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewUserLinkStore(db, time.Minute)
	ctx := context.Background()

	link := &UserLink{
		MatrixUserID:  "@_discord_u1:example.com",
		DiscordUserID: "u1",
		DisplayName:   ptr.Ptr("alice#1234"),
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM user_links WHERE discord_user_id = $1")).
		WithArgs("u1").
		WillReturnRows(userLinkRow(link))

	got, err := store.GetByDiscordUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "@_discord_u1:example.com", got.MatrixUserID)

	// Cached; no second query expected.
	got, err = store.GetByDiscordUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserLinkStoreGetByMatrixUserNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewUserLinkStore(db, time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM user_links WHERE matrix_user_id = $1")).
		WithArgs("@stranger:example.com").
		WillReturnError(sql.ErrNoRows)

	link, err := store.GetByMatrixUser(context.Background(), "@stranger:example.com")
	require.NoError(t, err)
	assert.Nil(t, link)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserLinkStoreUpsertInvalidatesBothCaches(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewUserLinkStore(db, time.Minute)
	ctx := context.Background()

	link := &UserLink{MatrixUserID: "@_discord_u1:example.com", DiscordUserID: "u1"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM user_links WHERE discord_user_id = $1")).
		WithArgs("u1").
		WillReturnRows(userLinkRow(link))
	_, err := store.GetByDiscordUser(ctx, "u1")
	require.NoError(t, err)

	link.DisplayName = ptr.Ptr("alice")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_links")).
		WithArgs(link.MatrixUserID, link.DiscordUserID, link.DisplayName, link.AvatarURL, link.AvatarMXC).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Upsert(ctx, link))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM user_links WHERE discord_user_id = $1")).
		WithArgs("u1").
		WillReturnRows(userLinkRow(link))
	got, err := store.GetByDiscordUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.DisplayName)
	assert.Equal(t, "alice", *got.DisplayName)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserLinkStoreGuildNick(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewUserLinkStore(db, time.Minute)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT nick FROM user_link_nicks WHERE discord_user_id = $1 AND guild_id = $2")).
		WithArgs("u1", "g1").
		WillReturnError(sql.ErrNoRows)
	nick, err := store.GetGuildNick(ctx, "u1", "g1")
	require.NoError(t, err, "an unsynced nickname is not an error")
	assert.Nil(t, nick)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_link_nicks")).
		WithArgs("u1", "g1", "Allie").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SetGuildNick(ctx, "u1", "g1", "Allie"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT nick FROM user_link_nicks WHERE discord_user_id = $1 AND guild_id = $2")).
		WithArgs("u1", "g1").
		WillReturnRows(sqlmock.NewRows([]string{"nick"}).AddRow("Allie"))
	nick, err = store.GetGuildNick(ctx, "u1", "g1")
	require.NoError(t, err)
	require.NotNil(t, nick)
	assert.Equal(t, "Allie", *nick)

	assert.NoError(t, mock.ExpectationsWereMet())
}
