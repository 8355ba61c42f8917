// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordSource implements RemoteSource on top of a discordgo session,
// preferring the session's state cache and falling back to REST lookups.
type DiscordSource struct {
	session *discordgo.Session
}

var _ RemoteSource = (*DiscordSource)(nil)

func NewDiscordSource(session *discordgo.Session) *DiscordSource {
	return &DiscordSource{session: session}
}

func (d *DiscordSource) Guild(guildID string) (*discordgo.Guild, error) {
	if guild, err := d.session.State.Guild(guildID); err == nil {
		return guild, nil
	}
	guild, err := d.session.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("get guild %s: %w", guildID, err)
	}
	return guild, nil
}

func (d *DiscordSource) Channel(channelID string) (*discordgo.Channel, error) {
	if channel, err := d.session.State.Channel(channelID); err == nil {
		return channel, nil
	}
	channel, err := d.session.Channel(channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	return channel, nil
}

// GuildMembers enumerates all members of a guild, paging through the REST
// endpoint in chunks of 1000.
func (d *DiscordSource) GuildMembers(guildID string) ([]*discordgo.Member, error) {
	var members []*discordgo.Member
	after := ""
	for {
		page, err := d.session.GuildMembers(guildID, after, 1000)
		if err != nil {
			return nil, fmt.Errorf("list members of guild %s: %w", guildID, err)
		}
		members = append(members, page...)
		if len(page) < 1000 {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (d *DiscordSource) Member(guildID, userID string) (*discordgo.Member, error) {
	if member, err := d.session.State.Member(guildID, userID); err == nil {
		return member, nil
	}
	member, err := d.session.GuildMember(guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("get member %s of guild %s: %w", userID, guildID, err)
	}
	return member, nil
}

// GuildsForUser checks the user's membership in every guild the session can
// see. The state cache only holds chunked members, so a cache miss falls back
// to a REST membership lookup before the guild is ruled out.
func (d *DiscordSource) GuildsForUser(userID string) []string {
	var guilds []string
	for _, guild := range d.session.State.Guilds {
		if _, err := d.session.State.Member(guild.ID, userID); err == nil {
			guilds = append(guilds, guild.ID)
			continue
		}
		if _, err := d.session.GuildMember(guild.ID, userID); err == nil {
			guilds = append(guilds, guild.ID)
		}
	}
	return guilds
}
