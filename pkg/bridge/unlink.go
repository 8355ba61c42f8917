// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// messageLockLevel is the power level required to send messages in a room
// whose channel was deleted with the disable_messaging policy.
const messageLockLevel = 50

// Unlinker applies the configured deletion policies to linked rooms when
// their Discord channel disappears, then removes the links. Every policy
// step is failure-isolated: one room or one sub-step failing never blocks
// the rest.
type Unlinker struct {
	links   LinkStore
	matrix  MatrixRoomAPI
	intents IntentFactory
	remote  RemoteSource
	config  *Config
	log     zerolog.Logger
}

func NewUnlinker(links LinkStore, matrix MatrixRoomAPI, intents IntentFactory, remote RemoteSource, config *Config, log zerolog.Logger) *Unlinker {
	return &Unlinker{
		links:   links,
		matrix:  matrix,
		intents: intents,
		remote:  remote,
		config:  config,
		log:     log.With().Str("component", "unlinker").Logger(),
	}
}

// OnChannelDelete handles a deleted Discord channel: each linked room gets
// the deletion policies applied, then every link for the channel is removed,
// including links that never got a room. Links are removed even when policy
// steps fail.
func (u *Unlinker) OnChannelDelete(ctx context.Context, channel *discordgo.Channel) {
	links, err := u.links.GetByDiscordChannel(ctx, channel.ID)
	if err != nil {
		u.log.Error().Err(err).Str("channel_id", channel.ID).Msg("Failed to resolve links for deleted channel")
		return
	}
	if len(links) == 0 {
		u.log.Debug().Str("channel_id", channel.ID).Msg("Deleted channel was not bridged")
		return
	}

	for _, link := range links {
		if link.MatrixRoomID == nil {
			continue
		}
		u.applyDeletionPolicy(ctx, link, channel)
	}
	if err := u.links.DeleteByDiscordChannel(ctx, channel.ID); err != nil {
		u.log.Error().Err(err).Str("channel_id", channel.ID).Msg("Failed to remove links for deleted channel")
	}
}

// OnGuildDelete applies channel deletion handling to every channel of a
// removed guild.
func (u *Unlinker) OnGuildDelete(ctx context.Context, guild *discordgo.Guild) {
	for _, channel := range guild.Channels {
		u.OnChannelDelete(ctx, channel)
	}
}

func (u *Unlinker) applyDeletionPolicy(ctx context.Context, link *store.RoomLink, channel *discordgo.Channel) {
	roomID := id.RoomID(*link.MatrixRoomID)
	policy := u.config.Deletion
	log := u.log.With().
		Str("link_id", link.ID).
		Str("room_id", roomID.String()).
		Str("channel_id", channel.ID).
		Logger()

	if policy.GhostsLeave {
		u.evictGhosts(ctx, roomID, channel, log)
	}
	if policy.NamePrefix != "" {
		u.prefixName(ctx, roomID, policy.NamePrefix, log)
	}
	if policy.TopicPrefix != "" {
		u.prefixTopic(ctx, roomID, policy.TopicPrefix, log)
	}

	// Manually provisioned rooms existed before the bridge touched them;
	// the destructive policies only apply to rooms the bridge created.
	if link.Plumbed() {
		return
	}

	if policy.UnsetRoomAlias {
		u.unsetAlias(ctx, roomID, channel, log)
	}
	if policy.UnlistFromDirectory {
		if err := u.matrix.SetDirectoryVisibility(ctx, roomID, "private"); err != nil {
			log.Warn().Err(err).Msg("Failed to unlist room from directory")
		}
	}
	if policy.SetInviteOnly {
		content := &event.JoinRulesEventContent{JoinRule: event.JoinRuleInvite}
		if err := u.matrix.SendStateEvent(ctx, roomID, event.StateJoinRules, "", content); err != nil {
			log.Warn().Err(err).Msg("Failed to set room invite-only")
		}
	}
	if policy.DisableMessaging {
		u.lockMessaging(ctx, roomID, log)
	}
}

// evictGhosts makes every ghost for the channel's guild members leave the
// room. Per-member failures are logged and do not block other members.
func (u *Unlinker) evictGhosts(ctx context.Context, roomID id.RoomID, channel *discordgo.Channel, log zerolog.Logger) {
	members, err := u.remote.GuildMembers(channel.GuildID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to enumerate members for ghost eviction")
		return
	}
	for _, member := range members {
		intent := u.intents.Intent(member.User.ID)
		if err := intent.LeaveRoom(ctx, roomID); err != nil {
			log.Warn().Err(err).
				Str("discord_user_id", member.User.ID).
				Msg("Ghost failed to leave room")
		}
	}
}

func (u *Unlinker) prefixName(ctx context.Context, roomID id.RoomID, prefix string, log zerolog.Logger) {
	var content event.RoomNameEventContent
	if err := u.matrix.GetStateEvent(ctx, roomID, event.StateRoomName, "", &content); err != nil {
		log.Warn().Err(err).Msg("Failed to read room name for prefixing")
		return
	}
	if err := u.matrix.SetRoomName(ctx, roomID, prefix+content.Name); err != nil {
		log.Warn().Err(err).Msg("Failed to prefix room name")
	}
}

func (u *Unlinker) prefixTopic(ctx context.Context, roomID id.RoomID, prefix string, log zerolog.Logger) {
	var content event.TopicEventContent
	if err := u.matrix.GetStateEvent(ctx, roomID, event.StateTopic, "", &content); err != nil {
		log.Warn().Err(err).Msg("Failed to read room topic for prefixing")
		return
	}
	if err := u.matrix.SetRoomTopic(ctx, roomID, prefix+content.Topic); err != nil {
		log.Warn().Err(err).Msg("Failed to prefix room topic")
	}
}

// unsetAlias clears the room's canonical alias if it is the bridge-created
// one, then deletes the alias mapping itself.
func (u *Unlinker) unsetAlias(ctx context.Context, roomID id.RoomID, channel *discordgo.Channel, log zerolog.Logger) {
	alias := u.config.AliasForChannel(channel.GuildID, channel.ID)

	var content event.CanonicalAliasEventContent
	err := u.matrix.GetStateEvent(ctx, roomID, event.StateCanonicalAlias, "", &content)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read canonical alias")
	} else if content.Alias == alias {
		if err := u.matrix.SendStateEvent(ctx, roomID, event.StateCanonicalAlias, "", &event.CanonicalAliasEventContent{}); err != nil {
			log.Warn().Err(err).Msg("Failed to clear canonical alias")
		}
	}

	if err := u.matrix.DeleteAlias(ctx, alias); err != nil {
		log.Warn().Err(err).Str("alias", alias.String()).Msg("Failed to delete room alias")
	}
}

// lockMessaging raises the power level floor for sending messages,
// effectively muting non-privileged members.
func (u *Unlinker) lockMessaging(ctx context.Context, roomID id.RoomID, log zerolog.Logger) {
	var content event.PowerLevelsEventContent
	if err := u.matrix.GetStateEvent(ctx, roomID, event.StatePowerLevels, "", &content); err != nil {
		log.Warn().Err(err).Msg("Failed to read power levels")
		return
	}
	content.EventsDefault = messageLockLevel
	if err := u.matrix.SendStateEvent(ctx, roomID, event.StatePowerLevels, "", &content); err != nil {
		log.Warn().Err(err).Msg("Failed to lock messaging")
	}
}
