// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// MemberStateResult is the outcome of processing a member state event.
type MemberStateResult string

const (
	MemberStateApplied        MemberStateResult = "applied"
	MemberStateSuperseded     MemberStateResult = "superseded"
	MemberStateUserNotLinked  MemberStateResult = "user-not-linked"
	MemberStateMemberNotFound MemberStateResult = "remote-member-not-found"
	MemberStateFailed         MemberStateResult = "failed"
)

// UserSync mirrors Discord user profiles onto their Matrix ghosts and keeps
// per-guild nicknames in sync across every linked room. Membership state
// events are debounced per (room, user) so rapid sequential updates only
// apply the most recent one.
type UserSync struct {
	users   UserLinkStore
	links   LinkStore
	matrix  MatrixRoomAPI
	intents IntentFactory
	remote  RemoteSource
	config  *Config
	log     zerolog.Logger

	holdMu sync.Mutex
	holds  map[holdKey]*event.Event
}

type holdKey struct {
	roomID   id.RoomID
	stateKey string
}

func NewUserSync(users UserLinkStore, links LinkStore, matrix MatrixRoomAPI, intents IntentFactory, remote RemoteSource, config *Config, log zerolog.Logger) *UserSync {
	return &UserSync{
		users:   users,
		links:   links,
		matrix:  matrix,
		intents: intents,
		remote:  remote,
		config:  config,
		log:     log.With().Str("component", "user_sync").Logger(),
		holds:   make(map[holdKey]*event.Event),
	}
}

// UserState holds the candidate profile changes for one Discord user. Nil
// fields mean "do not touch".
type UserState struct {
	DiscordUserID string
	Create        bool
	Link          *store.UserLink
	DisplayName   *string
	Avatar        *AvatarAction
}

// AvatarAction stages an avatar change: upload-and-set from the given URL,
// or removal.
type AvatarAction struct {
	Remove bool
	URL    string
}

// MemberState is the per-guild nickname state to push into a room's member
// event.
type MemberState struct {
	DiscordUserID string
	GuildID       string
	DisplayName   string
}

func (s *UserState) empty() bool {
	return !s.Create && s.DisplayName == nil && s.Avatar == nil
}

// UserUpdateState computes the candidate profile changes for a Discord user.
// An unknown user yields a create plan carrying the full current profile.
func (us *UserSync) UserUpdateState(ctx context.Context, user *discordgo.User) (*UserState, error) {
	link, err := us.users.GetByDiscordUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("get user link for %s: %w", user.ID, err)
	}

	avatarURL := ""
	if user.Avatar != "" {
		avatarURL = user.AvatarURL("")
	}

	st := &UserState{DiscordUserID: user.ID}
	handle := compositeHandle(user)
	if link == nil {
		st.Create = true
		st.DisplayName = &handle
		if avatarURL != "" {
			st.Avatar = &AvatarAction{URL: avatarURL}
		}
		return st, nil
	}

	st.Link = link
	if link.DisplayName == nil || *link.DisplayName != handle {
		st.DisplayName = &handle
	}
	switch {
	case avatarURL != "" && !ptrEquals(link.AvatarURL, avatarURL):
		st.Avatar = &AvatarAction{URL: avatarURL}
	case avatarURL == "" && link.AvatarURL != nil:
		st.Avatar = &AvatarAction{Remove: true}
	}
	return st, nil
}

// ApplyUserState pushes the profile candidates through the ghost's intent,
// persists the link, and fans the resulting per-guild nickname state out to
// every room linked to every guild the user belongs to.
func (us *UserSync) ApplyUserState(ctx context.Context, st *UserState) error {
	if st.empty() {
		return nil
	}
	log := us.log.With().Str("discord_user_id", st.DiscordUserID).Logger()

	link := st.Link
	if st.Create {
		link = &store.UserLink{
			MatrixUserID:  string(us.config.GhostMXID(st.DiscordUserID)),
			DiscordUserID: st.DiscordUserID,
		}
	}
	intent := us.intents.Intent(st.DiscordUserID)
	changed := st.Create

	if st.DisplayName != nil {
		if err := intent.SetDisplayName(ctx, *st.DisplayName); err != nil {
			log.Error().Err(err).Msg("Failed to set ghost display name")
		} else {
			link.DisplayName = st.DisplayName
			changed = true
		}
	}
	if st.Avatar != nil {
		if st.Avatar.Remove {
			if err := intent.SetAvatarURL(ctx, ""); err != nil {
				log.Error().Err(err).Msg("Failed to clear ghost avatar")
			} else {
				link.AvatarURL = nil
				link.AvatarMXC = nil
				changed = true
			}
		} else {
			mxc, err := us.matrix.UploadFromURL(ctx, st.Avatar.URL)
			if err != nil {
				log.Error().Err(err).Str("avatar_url", st.Avatar.URL).Msg("Failed to upload avatar")
			} else if err := intent.SetAvatarURL(ctx, mxc); err != nil {
				log.Error().Err(err).Msg("Failed to set ghost avatar")
			} else {
				link.AvatarURL = ptr.Ptr(st.Avatar.URL)
				link.AvatarMXC = ptr.Ptr(string(mxc))
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	if err := us.users.Upsert(ctx, link); err != nil {
		// The next pass re-diffs and repushes.
		log.Error().Err(err).Msg("Failed to persist user link")
	}

	// A global profile change affects the displayed name in every room the
	// user is visible in, so recompute the per-guild state everywhere.
	for _, guildID := range us.remote.GuildsForUser(st.DiscordUserID) {
		member, err := us.remote.Member(guildID, st.DiscordUserID)
		if err != nil {
			log.Warn().Err(err).Str("guild_id", guildID).Msg("Skipping guild in profile fan-out")
			continue
		}
		state := us.memberState(guildID, member)
		rooms, err := us.roomsForGuild(ctx, guildID)
		if err != nil {
			log.Warn().Err(err).Str("guild_id", guildID).Msg("Failed to resolve rooms for guild")
			continue
		}
		for _, err := range us.fanOut(rooms, func(roomID id.RoomID) error {
			return us.ApplyStateToRoom(ctx, state, roomID)
		}) {
			log.Warn().Err(err).Str("guild_id", guildID).Msg("Nickname fan-out failure")
		}
	}
	return nil
}

// ApplyStateToRoom overwrites the ghost's member state event in a room with
// the given per-guild nickname. The push uses the ghost's own credentials;
// if the homeserver answers M_FORBIDDEN, the ghost is invited with the
// bridge bot and the push retried once. Other failures are returned for the
// caller to log; membership sync is best-effort.
func (us *UserSync) ApplyStateToRoom(ctx context.Context, st MemberState, roomID id.RoomID) error {
	intent := us.intents.Intent(st.DiscordUserID)
	content := &event.MemberEventContent{
		Membership:  event.MembershipJoin,
		Displayname: st.DisplayName,
	}

	err := intent.SendStateEvent(ctx, roomID, event.StateMember, string(intent.UserID()), content)
	if errors.Is(err, mautrix.MForbidden) {
		if inviteErr := us.matrix.Invite(ctx, roomID, intent.UserID()); inviteErr != nil {
			return fmt.Errorf("invite after forbidden member push: %w", inviteErr)
		}
		err = intent.SendStateEvent(ctx, roomID, event.StateMember, string(intent.UserID()), content)
	}
	if err != nil {
		return fmt.Errorf("push member state: %w", err)
	}

	if err := us.users.SetGuildNick(ctx, st.DiscordUserID, st.GuildID, st.DisplayName); err != nil {
		us.log.Error().Err(err).
			Str("discord_user_id", st.DiscordUserID).
			Str("guild_id", st.GuildID).
			Msg("Failed to persist guild nick")
	}
	return nil
}

// OnMemberState debounces and applies a Matrix member state event for a
// ghost. The event is held for the given delay; if a newer event for the
// same (room, state key) arrives during the wait, this one is abandoned as
// superseded instead of being applied out of order.
func (us *UserSync) OnMemberState(ctx context.Context, evt *event.Event, delay time.Duration) (MemberStateResult, error) {
	key := holdKey{roomID: evt.RoomID, stateKey: evt.GetStateKey()}
	us.holdMu.Lock()
	us.holds[key] = evt
	us.holdMu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return MemberStateSuperseded, ctx.Err()
		}
	}

	us.holdMu.Lock()
	if us.holds[key] != evt {
		us.holdMu.Unlock()
		return MemberStateSuperseded, nil
	}
	delete(us.holds, key)
	us.holdMu.Unlock()

	userLink, err := us.users.GetByMatrixUser(ctx, key.stateKey)
	if err != nil {
		return MemberStateUserNotLinked, fmt.Errorf("get user link for %s: %w", key.stateKey, err)
	}
	if userLink == nil {
		return MemberStateUserNotLinked, nil
	}

	roomLink, err := us.links.GetByMatrixRoom(ctx, evt.RoomID.String())
	if err != nil || roomLink == nil || roomLink.DiscordChannelID == nil {
		return MemberStateMemberNotFound, err
	}
	channel, err := us.remote.Channel(*roomLink.DiscordChannelID)
	if err != nil {
		return MemberStateMemberNotFound, nil
	}
	member, err := us.remote.Member(channel.GuildID, userLink.DiscordUserID)
	if err != nil {
		// The user may have left before the event was processed.
		return MemberStateMemberNotFound, nil
	}

	state := us.memberState(channel.GuildID, member)
	if err := us.ApplyStateToRoom(ctx, state, evt.RoomID); err != nil {
		us.log.Warn().Err(err).
			Str("room_id", evt.RoomID.String()).
			Str("discord_user_id", userLink.DiscordUserID).
			Msg("Failed to apply member state")
		return MemberStateFailed, err
	}
	return MemberStateApplied, nil
}

// OnAddGuildMember syncs the new member's profile and joins their ghost to
// every room linked to the guild.
func (us *UserSync) OnAddGuildMember(ctx context.Context, member *discordgo.Member) {
	us.OnUserUpdate(ctx, member.User)

	rooms, err := us.roomsForGuild(ctx, member.GuildID)
	if err != nil {
		us.log.Warn().Err(err).Str("guild_id", member.GuildID).Msg("Failed to resolve rooms for member add")
		return
	}
	intent := us.intents.Intent(member.User.ID)
	for _, err := range us.fanOut(rooms, func(roomID id.RoomID) error {
		return us.ensureJoined(ctx, intent, roomID)
	}) {
		us.log.Warn().Err(err).
			Str("guild_id", member.GuildID).
			Str("discord_user_id", member.User.ID).
			Msg("Join fan-out failure")
	}
}

// OnRemoveGuildMember leaves the ghost from every room linked to the guild.
func (us *UserSync) OnRemoveGuildMember(ctx context.Context, member *discordgo.Member) {
	rooms, err := us.roomsForGuild(ctx, member.GuildID)
	if err != nil {
		us.log.Warn().Err(err).Str("guild_id", member.GuildID).Msg("Failed to resolve rooms for member remove")
		return
	}
	intent := us.intents.Intent(member.User.ID)
	for _, err := range us.fanOut(rooms, func(roomID id.RoomID) error {
		return intent.LeaveRoom(ctx, roomID)
	}) {
		us.log.Warn().Err(err).
			Str("guild_id", member.GuildID).
			Str("discord_user_id", member.User.ID).
			Msg("Leave fan-out failure")
	}
}

// OnUserUpdate reconciles a user's profile after a remote update.
func (us *UserSync) OnUserUpdate(ctx context.Context, user *discordgo.User) {
	st, err := us.UserUpdateState(ctx, user)
	if err != nil {
		us.log.Warn().Err(err).Str("discord_user_id", user.ID).Msg("Skipping user update")
		return
	}
	if err := us.ApplyUserState(ctx, st); err != nil {
		us.log.Warn().Err(err).Str("discord_user_id", user.ID).Msg("Failed to apply user update")
	}
}

func (us *UserSync) ensureJoined(ctx context.Context, intent GhostIntent, roomID id.RoomID) error {
	err := intent.JoinRoom(ctx, roomID)
	if errors.Is(err, mautrix.MForbidden) {
		if inviteErr := us.matrix.Invite(ctx, roomID, intent.UserID()); inviteErr != nil {
			return fmt.Errorf("invite after forbidden join: %w", inviteErr)
		}
		err = intent.JoinRoom(ctx, roomID)
	}
	return err
}

// roomsForGuild resolves every Matrix room linked to any channel of the
// guild.
func (us *UserSync) roomsForGuild(ctx context.Context, guildID string) ([]id.RoomID, error) {
	guild, err := us.remote.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("get guild %s: %w", guildID, err)
	}
	var rooms []id.RoomID
	for _, channel := range guild.Channels {
		links, err := us.links.GetByDiscordChannel(ctx, channel.ID)
		if err != nil {
			us.log.Warn().Err(err).Str("channel_id", channel.ID).Msg("Skipping channel in room resolution")
			continue
		}
		for _, link := range links {
			if link.MatrixRoomID != nil {
				rooms = append(rooms, id.RoomID(*link.MatrixRoomID))
			}
		}
	}
	return rooms, nil
}

// fanOut runs fn for every room concurrently and joins on all of them,
// collecting failures instead of stopping at the first one.
func (us *UserSync) fanOut(rooms []id.RoomID, fn func(id.RoomID) error) []error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, roomID := range rooms {
		wg.Add(1)
		go func(roomID id.RoomID) {
			defer wg.Done()
			if err := fn(roomID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
				mu.Unlock()
			}
		}(roomID)
	}
	wg.Wait()
	return errs
}

func (us *UserSync) memberState(guildID string, member *discordgo.Member) MemberState {
	name := member.Nick
	if name == "" {
		name = compositeHandle(member.User)
	}
	return MemberState{
		DiscordUserID: member.User.ID,
		GuildID:       guildID,
		DisplayName:   name,
	}
}

// compositeHandle renders the username#discriminator handle used as the
// ghost's default display name. Users migrated off discriminators get the
// bare username.
func compositeHandle(user *discordgo.User) string {
	if user.Discriminator == "" || user.Discriminator == "0" {
		return user.Username
	}
	return user.Username + "#" + user.Discriminator
}
