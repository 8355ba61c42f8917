// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ProvisionKind records how a room link came to exist. Manually provisioned
// (plumbed) links are exempt from the destructive channel-deletion policies.
type ProvisionKind string

const (
	ProvisionAuto   ProvisionKind = "auto"
	ProvisionManual ProvisionKind = "manual"
)

// RoomLink associates a Matrix room with a Discord channel. The attribute
// fields hold the last value successfully pushed to the Matrix side (never
// the current Discord value), so the reconciler can diff against them. A nil
// attribute means "not yet synced" or "intentionally cleared".
type RoomLink struct {
	ID               string  `db:"id"`
	MatrixRoomID     *string `db:"matrix_room_id"`
	DiscordChannelID *string `db:"discord_channel_id"`

	Name        *string `db:"name"`
	Topic       *string `db:"topic"`
	IconURL     *string `db:"icon_url"`
	IconMXC     *string `db:"icon_mxc"`
	ChannelKind *string `db:"channel_kind"`

	// Policy flags are an operator decision made at link creation; the
	// reconcilers read but never write them.
	UpdateName  bool `db:"update_name"`
	UpdateTopic bool `db:"update_topic"`
	UpdateIcon  bool `db:"update_icon"`

	Provisioned ProvisionKind `db:"provisioned"`
}

// Plumbed reports whether this link was manually provisioned.
func (l *RoomLink) Plumbed() bool {
	return l.Provisioned == ProvisionManual
}

// NewRoomLink creates an unsaved link between the given room and channel.
func NewRoomLink(matrixRoomID, discordChannelID string, provisioned ProvisionKind) *RoomLink {
	return &RoomLink{
		ID:               uuid.NewString(),
		MatrixRoomID:     &matrixRoomID,
		DiscordChannelID: &discordChannelID,
		Provisioned:      provisioned,
	}
}

// LinkStore persists room links and fronts the hot lookup paths with a
// short-lived TTL cache.
type LinkStore struct {
	db        *DB
	byChannel *timedCache[string, []*RoomLink]
	byRoom    *timedCache[string, *RoomLink]
}

// NewLinkStore creates a link store. cacheTTL bounds how long reads may be
// served from memory; zero disables caching.
func NewLinkStore(db *DB, cacheTTL time.Duration) *LinkStore {
	return &LinkStore{
		db:        db,
		byChannel: newTimedCache[string, []*RoomLink](cacheTTL),
		byRoom:    newTimedCache[string, *RoomLink](cacheTTL),
	}
}

// GetByDiscordChannel returns every link pointing at the given channel.
// An empty slice means the channel is not bridged; that is not an error.
func (s *LinkStore) GetByDiscordChannel(ctx context.Context, channelID string) ([]*RoomLink, error) {
	if links, ok := s.byChannel.Get(channelID); ok {
		return links, nil
	}
	var links []*RoomLink
	err := s.db.SelectContext(ctx, &links, `
		SELECT * FROM room_links WHERE discord_channel_id = $1
	`, channelID)
	if err != nil {
		return nil, err
	}
	s.byChannel.Set(channelID, links)
	return links, nil
}

// GetByMatrixRoom returns the link for the given room, or nil if none exists.
func (s *LinkStore) GetByMatrixRoom(ctx context.Context, roomID string) (*RoomLink, error) {
	if link, ok := s.byRoom.Get(roomID); ok {
		return link, nil
	}
	var link RoomLink
	err := s.db.GetContext(ctx, &link, `
		SELECT * FROM room_links WHERE matrix_room_id = $1
	`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.byRoom.Set(roomID, &link)
	return &link, nil
}

// Upsert writes the link by primary key, replacing all synced attributes and
// policy flags, and drops any cached reads for the affected keys.
func (s *LinkStore) Upsert(ctx context.Context, link *RoomLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_links (
			id, matrix_room_id, discord_channel_id,
			name, topic, icon_url, icon_mxc, channel_kind,
			update_name, update_topic, update_icon, provisioned
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			matrix_room_id = EXCLUDED.matrix_room_id,
			discord_channel_id = EXCLUDED.discord_channel_id,
			name = EXCLUDED.name,
			topic = EXCLUDED.topic,
			icon_url = EXCLUDED.icon_url,
			icon_mxc = EXCLUDED.icon_mxc,
			channel_kind = EXCLUDED.channel_kind,
			update_name = EXCLUDED.update_name,
			update_topic = EXCLUDED.update_topic,
			update_icon = EXCLUDED.update_icon,
			provisioned = EXCLUDED.provisioned
	`, link.ID, link.MatrixRoomID, link.DiscordChannelID,
		link.Name, link.Topic, link.IconURL, link.IconMXC, link.ChannelKind,
		link.UpdateName, link.UpdateTopic, link.UpdateIcon, link.Provisioned)
	if err != nil {
		return err
	}
	s.invalidate(link)
	return nil
}

// DeleteByMatrixRoom removes the link for the given room.
func (s *LinkStore) DeleteByMatrixRoom(ctx context.Context, roomID string) error {
	link, err := s.GetByMatrixRoom(ctx, roomID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM room_links WHERE matrix_room_id = $1`, roomID)
	if err != nil {
		return err
	}
	s.byRoom.Remove(roomID)
	if link != nil && link.DiscordChannelID != nil {
		s.byChannel.Remove(*link.DiscordChannelID)
	}
	return nil
}

// DeleteByDiscordChannel removes every link pointing at the given channel,
// including links that never got a Matrix room.
func (s *LinkStore) DeleteByDiscordChannel(ctx context.Context, channelID string) error {
	links, err := s.GetByDiscordChannel(ctx, channelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM room_links WHERE discord_channel_id = $1`, channelID)
	if err != nil {
		return err
	}
	s.byChannel.Remove(channelID)
	for _, link := range links {
		if link.MatrixRoomID != nil {
			s.byRoom.Remove(*link.MatrixRoomID)
		}
	}
	return nil
}

func (s *LinkStore) invalidate(link *RoomLink) {
	if link.MatrixRoomID != nil {
		s.byRoom.Remove(*link.MatrixRoomID)
	}
	if link.DiscordChannelID != nil {
		s.byChannel.Remove(*link.DiscordChannelID)
	}
}
