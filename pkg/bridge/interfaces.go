// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// MatrixRoomAPI is the capability surface of the homeserver that the
// reconcilers need, acting with the bridge bot's credentials. Tests inject a
// fake instead of a real client.
type MatrixRoomAPI interface {
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
	SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error
	// SetRoomAvatar sets the room avatar to the given MXC URI; an empty
	// string clears it.
	SetRoomAvatar(ctx context.Context, roomID id.RoomID, avatar id.ContentURIString) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
	GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, into any) error
	DeleteAlias(ctx context.Context, alias id.RoomAlias) error
	SetDirectoryVisibility(ctx context.Context, roomID id.RoomID, visibility string) error
	Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	// UploadFromURL fetches remote media and uploads it to the homeserver,
	// returning the resulting MXC URI.
	UploadFromURL(ctx context.Context, url string) (id.ContentURIString, error)
}

// GhostIntent performs Matrix operations with a ghost user's own
// credentials. Profile pushes and per-room member state must go through the
// ghost, not the bridge bot, to satisfy room semantics.
type GhostIntent interface {
	UserID() id.UserID
	SetDisplayName(ctx context.Context, name string) error
	// SetAvatarURL sets the ghost's avatar; an empty string clears it.
	SetAvatarURL(ctx context.Context, avatar id.ContentURIString) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
}

// IntentFactory resolves the ghost intent for a Discord user.
type IntentFactory interface {
	Intent(discordUserID string) GhostIntent
}

// RemoteSource exposes read-only Discord snapshot lookups. The production
// implementation is backed by a discordgo session and its state cache.
type RemoteSource interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Channel(channelID string) (*discordgo.Channel, error)
	GuildMembers(guildID string) ([]*discordgo.Member, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	// GuildsForUser returns the IDs of the guilds the given user currently
	// belongs to, limited to guilds the bridge can see.
	GuildsForUser(userID string) []string
}

// LinkStore is the room-link persistence surface consumed by the
// reconcilers.
type LinkStore interface {
	GetByDiscordChannel(ctx context.Context, channelID string) ([]*store.RoomLink, error)
	GetByMatrixRoom(ctx context.Context, roomID string) (*store.RoomLink, error)
	Upsert(ctx context.Context, link *store.RoomLink) error
	DeleteByMatrixRoom(ctx context.Context, roomID string) error
	DeleteByDiscordChannel(ctx context.Context, channelID string) error
}

// UserLinkStore is the user-link persistence surface consumed by the
// reconcilers.
type UserLinkStore interface {
	GetByDiscordUser(ctx context.Context, discordUserID string) (*store.UserLink, error)
	GetByMatrixUser(ctx context.Context, matrixUserID string) (*store.UserLink, error)
	Upsert(ctx context.Context, link *store.UserLink) error
	GetGuildNick(ctx context.Context, discordUserID, guildID string) (*string, error)
	SetGuildNick(ctx context.Context, discordUserID, guildID, nick string) error
}

var (
	_ LinkStore     = (*store.LinkStore)(nil)
	_ UserLinkStore = (*store.UserLinkStore)(nil)
)
