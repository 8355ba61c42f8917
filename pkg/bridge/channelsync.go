// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// ChannelSync mirrors Discord channel attributes onto linked Matrix rooms.
// It diffs the channel's current state against each link's last-synced
// snapshot and pushes only what changed, gated by the link's policy flags.
//
// Reconciliation passes for the same channel are not serialized against each
// other: two near-simultaneous remote updates may interleave their pushes and
// snapshot writes. The stored snapshot can then briefly reflect the earlier
// event, which the next pass corrects by re-diffing.
type ChannelSync struct {
	links  LinkStore
	matrix MatrixRoomAPI
	remote RemoteSource
	config *Config
	log    zerolog.Logger
}

func NewChannelSync(links LinkStore, matrix MatrixRoomAPI, remote RemoteSource, config *Config, log zerolog.Logger) *ChannelSync {
	return &ChannelSync{
		links:  links,
		matrix: matrix,
		remote: remote,
		config: config,
		log:    log.With().Str("component", "channel_sync").Logger(),
	}
}

// ChannelLinkState holds the candidate values to push for a single link.
// A nil field means "do not touch".
type ChannelLinkState struct {
	Link   *store.RoomLink
	RoomID id.RoomID
	Name   *string
	Topic  *string
	Icon   *IconAction
}

// IconAction stages an icon change: either an upload-and-set carrying the
// resolved CDN URL and the icon hash (used as the upload cache key), or a
// removal.
type IconAction struct {
	Remove bool
	URL    string
	Hash   string
}

func (s *ChannelLinkState) empty() bool {
	return s.Name == nil && s.Topic == nil && s.Icon == nil
}

// iconUploads memoizes media uploads within one reconciliation pass so that
// several links (or a whole guild's channels) sharing an icon upload it at
// most once. Each slot is single-assignment: the first caller performs the
// upload and every later caller, including reentrant ones, gets the same
// result.
type iconUploads struct {
	mu    sync.Mutex
	slots map[string]*iconSlot
}

type iconSlot struct {
	once sync.Once
	mxc  id.ContentURIString
	err  error
}

func newIconUploads() *iconUploads {
	return &iconUploads{slots: make(map[string]*iconSlot)}
}

func (u *iconUploads) resolve(hash string, upload func() (id.ContentURIString, error)) (id.ContentURIString, error) {
	u.mu.Lock()
	slot, ok := u.slots[hash]
	if !ok {
		slot = &iconSlot{}
		u.slots[hash] = slot
	}
	u.mu.Unlock()
	slot.once.Do(func() {
		slot.mxc, slot.err = upload()
	})
	return slot.mxc, slot.err
}

// ChannelUpdateState computes the per-link candidate states for a channel.
// An unbridged channel yields an empty plan, not an error. With force set,
// name and topic are recomputed regardless of the stored snapshot; icon
// candidates stay purely change-driven so forced syncs never re-upload
// identical media.
func (cs *ChannelSync) ChannelUpdateState(ctx context.Context, channel *discordgo.Channel, force bool) ([]ChannelLinkState, error) {
	links, err := cs.links.GetByDiscordChannel(ctx, channel.ID)
	if err != nil {
		return nil, fmt.Errorf("get links for channel %s: %w", channel.ID, err)
	}
	if len(links) == 0 {
		return nil, nil
	}
	guild, err := cs.remote.Guild(channel.GuildID)
	if err != nil {
		return nil, fmt.Errorf("get guild %s: %w", channel.GuildID, err)
	}
	iconURL := guildIconURL(guild)

	plan := make([]ChannelLinkState, 0, len(links))
	for _, link := range links {
		if link.MatrixRoomID == nil {
			continue
		}
		st := ChannelLinkState{Link: link, RoomID: id.RoomID(*link.MatrixRoomID)}
		if link.UpdateName {
			name := cs.config.FormatChannelName(channel.Name, guild.Name)
			if force || link.Name == nil || *link.Name != name {
				st.Name = &name
			}
		}
		if link.UpdateTopic && (force || !ptrEquals(link.Topic, channel.Topic)) {
			st.Topic = ptr.Ptr(channel.Topic)
		}
		if link.UpdateIcon {
			switch {
			case iconURL != "" && !ptrEquals(link.IconURL, iconURL):
				st.Icon = &IconAction{URL: iconURL, Hash: guild.Icon}
			case iconURL == "" && link.IconURL != nil:
				st.Icon = &IconAction{Remove: true}
			}
		}
		plan = append(plan, st)
	}
	return plan, nil
}

// ApplyChannelState pushes the plan's candidates. Attributes are applied per
// link in a fixed order (name, topic, icon) and the link snapshot is
// persisted once per link that had changes. A failure on one link is logged
// and does not abort the others. uploads may be nil; pass a shared instance
// to deduplicate icon uploads across several plans in one pass.
func (cs *ChannelSync) ApplyChannelState(ctx context.Context, plan []ChannelLinkState, uploads *iconUploads) {
	if uploads == nil {
		uploads = newIconUploads()
	}
	for i := range plan {
		if plan[i].empty() {
			continue
		}
		cs.applyLinkState(ctx, &plan[i], uploads)
	}
}

func (cs *ChannelSync) applyLinkState(ctx context.Context, st *ChannelLinkState, uploads *iconUploads) {
	log := cs.log.With().
		Str("link_id", st.Link.ID).
		Str("room_id", st.RoomID.String()).
		Logger()
	changed := false

	if st.Name != nil {
		if err := cs.matrix.SetRoomName(ctx, st.RoomID, *st.Name); err != nil {
			log.Error().Err(err).Str("attribute", "name").Msg("Failed to set room name")
		} else {
			st.Link.Name = st.Name
			changed = true
		}
	}
	if st.Topic != nil {
		if err := cs.matrix.SetRoomTopic(ctx, st.RoomID, *st.Topic); err != nil {
			log.Error().Err(err).Str("attribute", "topic").Msg("Failed to set room topic")
		} else {
			st.Link.Topic = st.Topic
			changed = true
		}
	}
	if st.Icon != nil {
		if st.Icon.Remove {
			if err := cs.matrix.SetRoomAvatar(ctx, st.RoomID, ""); err != nil {
				log.Error().Err(err).Str("attribute", "icon").Msg("Failed to clear room avatar")
			} else {
				st.Link.IconURL = nil
				st.Link.IconMXC = nil
				changed = true
			}
		} else {
			mxc, err := uploads.resolve(st.Icon.Hash, func() (id.ContentURIString, error) {
				return cs.matrix.UploadFromURL(ctx, st.Icon.URL)
			})
			if err != nil {
				log.Error().Err(err).Str("icon_url", st.Icon.URL).Msg("Failed to upload guild icon")
			} else if err := cs.matrix.SetRoomAvatar(ctx, st.RoomID, mxc); err != nil {
				log.Error().Err(err).Str("attribute", "icon").Msg("Failed to set room avatar")
			} else {
				st.Link.IconURL = ptr.Ptr(st.Icon.URL)
				st.Link.IconMXC = ptr.Ptr(string(mxc))
				changed = true
			}
		}
	}

	if changed {
		if err := cs.links.Upsert(ctx, st.Link); err != nil {
			// Not rolled back; the next pass re-diffs and repushes.
			log.Error().Err(err).Msg("Failed to persist link after push")
		}
	}
}

// OnChannelUpdate reconciles a single channel after a remote update.
func (cs *ChannelSync) OnChannelUpdate(ctx context.Context, channel *discordgo.Channel) {
	plan, err := cs.ChannelUpdateState(ctx, channel, false)
	if err != nil {
		cs.log.Warn().Err(err).Str("channel_id", channel.ID).Msg("Skipping channel update")
		return
	}
	cs.ApplyChannelState(ctx, plan, nil)
}

// OnGuildUpdate reconciles every text channel in a guild. All channels share
// one upload cache, so a guild icon resolved for one channel is reused by the
// rest of the pass instead of being re-uploaded per channel.
func (cs *ChannelSync) OnGuildUpdate(ctx context.Context, guild *discordgo.Guild) {
	uploads := newIconUploads()
	for _, channel := range guild.Channels {
		if channel.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		plan, err := cs.ChannelUpdateState(ctx, channel, false)
		if err != nil {
			cs.log.Warn().Err(err).
				Str("guild_id", guild.ID).
				Str("channel_id", channel.ID).
				Msg("Skipping channel in guild update")
			continue
		}
		cs.ApplyChannelState(ctx, plan, uploads)
	}
}

// OnGuildCreate runs a reconciliation pass when a guild becomes available.
// The gateway's ready payload only carries unavailable guild stubs; the
// usable snapshot (channels included) arrives per guild in a guild-create
// event, both at startup and when a guild recovers from an outage.
func (cs *ChannelSync) OnGuildCreate(ctx context.Context, guild *discordgo.Guild) {
	if guild.Unavailable {
		return
	}
	cs.log.Info().
		Str("guild_id", guild.ID).
		Int("channels", len(guild.Channels)).
		Msg("Guild available, reconciling channels")
	cs.OnGuildUpdate(ctx, guild)
}

// EnsureChannelState force-pushes the channel's current name and topic to
// all linked rooms, for manual repair tooling. Icon sync stays change-driven
// even here.
func (cs *ChannelSync) EnsureChannelState(ctx context.Context, channel *discordgo.Channel) error {
	plan, err := cs.ChannelUpdateState(ctx, channel, true)
	if err != nil {
		return err
	}
	cs.ApplyChannelState(ctx, plan, nil)
	return nil
}

// guildIconURL resolves a guild's icon to its CDN URL, or "" if the guild
// has no icon.
func guildIconURL(guild *discordgo.Guild) string {
	if guild.Icon == "" {
		return ""
	}
	return discordgo.EndpointGuildIcon(guild.ID, guild.Icon)
}

func ptrEquals(p *string, v string) bool {
	return p != nil && *p == v
}
