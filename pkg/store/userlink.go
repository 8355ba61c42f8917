// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UserLink associates a Matrix ghost with a Discord user, holding the
// last-synced profile attributes for diffing. Per-guild nicknames live in a
// separate table and are written independently of the profile row. User
// links are never destroyed automatically; a ghost whose Discord user left
// every shared channel keeps its link so the profile is not repushed later.
type UserLink struct {
	MatrixUserID  string  `db:"matrix_user_id"`
	DiscordUserID string  `db:"discord_user_id"`
	DisplayName   *string `db:"display_name"`
	AvatarURL     *string `db:"avatar_url"`
	AvatarMXC     *string `db:"avatar_mxc"`
}

// UserLinkStore persists user links and per-guild nickname state.
type UserLinkStore struct {
	db        *DB
	byDiscord *timedCache[string, *UserLink]
	byMatrix  *timedCache[string, *UserLink]
}

func NewUserLinkStore(db *DB, cacheTTL time.Duration) *UserLinkStore {
	return &UserLinkStore{
		db:        db,
		byDiscord: newTimedCache[string, *UserLink](cacheTTL),
		byMatrix:  newTimedCache[string, *UserLink](cacheTTL),
	}
}

// GetByDiscordUser returns the link for the given Discord user, or nil.
func (s *UserLinkStore) GetByDiscordUser(ctx context.Context, discordUserID string) (*UserLink, error) {
	if link, ok := s.byDiscord.Get(discordUserID); ok {
		return link, nil
	}
	var link UserLink
	err := s.db.GetContext(ctx, &link, `
		SELECT * FROM user_links WHERE discord_user_id = $1
	`, discordUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.byDiscord.Set(discordUserID, &link)
	return &link, nil
}

// GetByMatrixUser returns the link for the given Matrix ghost, or nil.
func (s *UserLinkStore) GetByMatrixUser(ctx context.Context, matrixUserID string) (*UserLink, error) {
	if link, ok := s.byMatrix.Get(matrixUserID); ok {
		return link, nil
	}
	var link UserLink
	err := s.db.GetContext(ctx, &link, `
		SELECT * FROM user_links WHERE matrix_user_id = $1
	`, matrixUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.byMatrix.Set(matrixUserID, &link)
	return &link, nil
}

// Upsert writes the link keyed by the (matrix, discord) user pair.
func (s *UserLinkStore) Upsert(ctx context.Context, link *UserLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_links (
			matrix_user_id, discord_user_id, display_name, avatar_url, avatar_mxc
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (matrix_user_id, discord_user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			avatar_mxc = EXCLUDED.avatar_mxc
	`, link.MatrixUserID, link.DiscordUserID, link.DisplayName, link.AvatarURL, link.AvatarMXC)
	if err != nil {
		return err
	}
	s.byDiscord.Remove(link.DiscordUserID)
	s.byMatrix.Remove(link.MatrixUserID)
	return nil
}

// GetGuildNick returns the last-synced nickname for the user in the given
// guild, or nil if none has been synced yet.
func (s *UserLinkStore) GetGuildNick(ctx context.Context, discordUserID, guildID string) (*string, error) {
	var nick string
	err := s.db.GetContext(ctx, &nick, `
		SELECT nick FROM user_link_nicks WHERE discord_user_id = $1 AND guild_id = $2
	`, discordUserID, guildID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &nick, nil
}

// SetGuildNick records the nickname pushed for the user in the given guild.
// Entries are never removed; stale rows are only ever read back for diffing
// within the same guild, so they are harmless.
func (s *UserLinkStore) SetGuildNick(ctx context.Context, discordUserID, guildID, nick string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_link_nicks (discord_user_id, guild_id, nick)
		VALUES ($1, $2, $3)
		ON CONFLICT (discord_user_id, guild_id) DO UPDATE SET nick = EXCLUDED.nick
	`, discordUserID, guildID, nick)
	return err
}
