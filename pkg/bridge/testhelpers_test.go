// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

var errNotFound = errors.New("not found")

func newTestConfig() *Config {
	cfg := &Config{
		HomeserverDomain: "example.com",
		Deletion: DeletionPolicy{
			GhostsLeave:         true,
			NamePrefix:          "[Deleted] ",
			TopicPrefix:         "This channel has been deleted. ",
			UnsetRoomAlias:      true,
			UnlistFromDirectory: true,
			SetInviteOnly:       true,
			DisableMessaging:    true,
		},
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// stateCall records a state event sent through a fake.
type stateCall struct {
	RoomID   id.RoomID
	Type     event.Type
	StateKey string
	Content  any
}

// fakeMatrix implements MatrixRoomAPI in memory, recording every push.
type fakeMatrix struct {
	mu sync.Mutex

	names      map[id.RoomID]string
	topics     map[id.RoomID]string
	avatars    map[id.RoomID]id.ContentURIString
	state      map[string]any
	sentState  []stateCall
	invites    []stateCall
	visibility map[id.RoomID]string
	deleted    []id.RoomAlias

	uploads   int
	uploadMXC id.ContentURIString

	failSetName  map[id.RoomID]error
	failSetTopic map[id.RoomID]error
	failUpload   error
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		names:        make(map[id.RoomID]string),
		topics:       make(map[id.RoomID]string),
		avatars:      make(map[id.RoomID]id.ContentURIString),
		state:        make(map[string]any),
		visibility:   make(map[id.RoomID]string),
		failSetName:  make(map[id.RoomID]error),
		failSetTopic: make(map[id.RoomID]error),
		uploadMXC:    "mxc://example.com/uploaded",
	}
}

func stateKey(roomID id.RoomID, evtType event.Type, sk string) string {
	return roomID.String() + "|" + evtType.Type + "|" + sk
}

func (f *fakeMatrix) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSetName[roomID]; err != nil {
		return err
	}
	f.names[roomID] = name
	return nil
}

func (f *fakeMatrix) SetRoomTopic(_ context.Context, roomID id.RoomID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSetTopic[roomID]; err != nil {
		return err
	}
	f.topics[roomID] = topic
	return nil
}

func (f *fakeMatrix) SetRoomAvatar(_ context.Context, roomID id.RoomID, avatar id.ContentURIString) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avatars[roomID] = avatar
	return nil
}

func (f *fakeMatrix) SendStateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, sk string, content any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentState = append(f.sentState, stateCall{roomID, evtType, sk, content})
	f.state[stateKey(roomID, evtType, sk)] = content
	return nil
}

func (f *fakeMatrix) GetStateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, sk string, into any) error {
	f.mu.Lock()
	content, ok := f.state[stateKey(roomID, evtType, sk)]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

func (f *fakeMatrix) DeleteAlias(_ context.Context, alias id.RoomAlias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, alias)
	return nil
}

func (f *fakeMatrix) SetDirectoryVisibility(_ context.Context, roomID id.RoomID, visibility string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[roomID] = visibility
	return nil
}

func (f *fakeMatrix) Invite(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, stateCall{RoomID: roomID, StateKey: string(userID)})
	return nil
}

func (f *fakeMatrix) UploadFromURL(_ context.Context, _ string) (id.ContentURIString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpload != nil {
		return "", f.failUpload
	}
	f.uploads++
	return f.uploadMXC, nil
}

// fakeIntent records ghost-credentialed calls and can simulate M_FORBIDDEN
// on the first state push or join.
type fakeIntent struct {
	mu     sync.Mutex
	userID id.UserID

	displayNames []string
	avatars      []id.ContentURIString
	stateEvents  []stateCall
	joins        []id.RoomID
	leaves       []id.RoomID

	stateErr      error
	forbiddenOnce bool
	joinErr       error
	joinErrOnce   bool
	leaveErr      error
}

func (f *fakeIntent) UserID() id.UserID { return f.userID }

func (f *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayNames = append(f.displayNames, name)
	return nil
}

func (f *fakeIntent) SetAvatarURL(_ context.Context, avatar id.ContentURIString) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avatars = append(f.avatars, avatar)
	return nil
}

func (f *fakeIntent) SendStateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, sk string, content any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		err := f.stateErr
		if f.forbiddenOnce {
			f.stateErr = nil
		}
		return err
	}
	f.stateEvents = append(f.stateEvents, stateCall{roomID, evtType, sk, content})
	return nil
}

func (f *fakeIntent) JoinRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		err := f.joinErr
		if f.joinErrOnce {
			f.joinErr = nil
		}
		return err
	}
	f.joins = append(f.joins, roomID)
	return nil
}

func (f *fakeIntent) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaveErr != nil {
		return f.leaveErr
	}
	f.leaves = append(f.leaves, roomID)
	return nil
}

type fakeIntentFactory struct {
	mu      sync.Mutex
	config  *Config
	intents map[string]*fakeIntent
}

func newFakeIntentFactory(cfg *Config) *fakeIntentFactory {
	return &fakeIntentFactory{config: cfg, intents: make(map[string]*fakeIntent)}
}

func (f *fakeIntentFactory) Intent(discordUserID string) GhostIntent {
	return f.get(discordUserID)
}

func (f *fakeIntentFactory) get(discordUserID string) *fakeIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[discordUserID]
	if !ok {
		intent = &fakeIntent{userID: f.config.GhostMXID(discordUserID)}
		f.intents[discordUserID] = intent
	}
	return intent
}

// memLinkStore implements LinkStore in memory.
type memLinkStore struct {
	mu              sync.Mutex
	links           map[string]*store.RoomLink
	upserts         int
	deleted         []string
	deletedChannels []string
	upsertErr       error
}

func newMemLinkStore(links ...*store.RoomLink) *memLinkStore {
	s := &memLinkStore{links: make(map[string]*store.RoomLink)}
	for _, link := range links {
		s.links[link.ID] = link
	}
	return s
}

func (s *memLinkStore) GetByDiscordChannel(_ context.Context, channelID string) ([]*store.RoomLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.RoomLink
	for _, link := range s.links {
		if link.DiscordChannelID != nil && *link.DiscordChannelID == channelID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (s *memLinkStore) GetByMatrixRoom(_ context.Context, roomID string) (*store.RoomLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, link := range s.links {
		if link.MatrixRoomID != nil && *link.MatrixRoomID == roomID {
			return link, nil
		}
	}
	return nil, nil
}

func (s *memLinkStore) Upsert(_ context.Context, link *store.RoomLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	s.links[link.ID] = link
	return nil
}

func (s *memLinkStore) DeleteByMatrixRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, link := range s.links {
		if link.MatrixRoomID != nil && *link.MatrixRoomID == roomID {
			delete(s.links, id)
		}
	}
	s.deleted = append(s.deleted, roomID)
	return nil
}

func (s *memLinkStore) DeleteByDiscordChannel(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, link := range s.links {
		if link.DiscordChannelID != nil && *link.DiscordChannelID == channelID {
			delete(s.links, id)
		}
	}
	s.deletedChannels = append(s.deletedChannels, channelID)
	return nil
}

// memUserStore implements UserLinkStore in memory.
type memUserStore struct {
	mu      sync.Mutex
	links   map[string]*store.UserLink // by discord user ID
	nicks   map[string]string          // discordUserID|guildID
	upserts int
}

func newMemUserStore(links ...*store.UserLink) *memUserStore {
	s := &memUserStore{links: make(map[string]*store.UserLink), nicks: make(map[string]string)}
	for _, link := range links {
		s.links[link.DiscordUserID] = link
	}
	return s
}

func (s *memUserStore) GetByDiscordUser(_ context.Context, discordUserID string) (*store.UserLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[discordUserID], nil
}

func (s *memUserStore) GetByMatrixUser(_ context.Context, matrixUserID string) (*store.UserLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, link := range s.links {
		if link.MatrixUserID == matrixUserID {
			return link, nil
		}
	}
	return nil, nil
}

func (s *memUserStore) Upsert(_ context.Context, link *store.UserLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	s.links[link.DiscordUserID] = link
	return nil
}

func (s *memUserStore) GetGuildNick(_ context.Context, discordUserID, guildID string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nick, ok := s.nicks[discordUserID+"|"+guildID]
	if !ok {
		return nil, nil
	}
	return &nick, nil
}

func (s *memUserStore) SetGuildNick(_ context.Context, discordUserID, guildID, nick string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nicks[discordUserID+"|"+guildID] = nick
	return nil
}

// fakeRemote implements RemoteSource with canned snapshots.
type fakeRemote struct {
	guilds       map[string]*discordgo.Guild
	channels     map[string]*discordgo.Channel
	members      map[string]*discordgo.Member // guildID|userID
	guildMembers map[string][]*discordgo.Member
	userGuilds   map[string][]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		guilds:       make(map[string]*discordgo.Guild),
		channels:     make(map[string]*discordgo.Channel),
		members:      make(map[string]*discordgo.Member),
		guildMembers: make(map[string][]*discordgo.Member),
		userGuilds:   make(map[string][]string),
	}
}

func (f *fakeRemote) addGuild(guild *discordgo.Guild) {
	f.guilds[guild.ID] = guild
	for _, channel := range guild.Channels {
		f.channels[channel.ID] = channel
	}
}

func (f *fakeRemote) addMember(guildID string, member *discordgo.Member) {
	f.members[guildID+"|"+member.User.ID] = member
	f.guildMembers[guildID] = append(f.guildMembers[guildID], member)
	f.userGuilds[member.User.ID] = append(f.userGuilds[member.User.ID], guildID)
}

func (f *fakeRemote) Guild(guildID string) (*discordgo.Guild, error) {
	guild, ok := f.guilds[guildID]
	if !ok {
		return nil, errNotFound
	}
	return guild, nil
}

func (f *fakeRemote) Channel(channelID string) (*discordgo.Channel, error) {
	channel, ok := f.channels[channelID]
	if !ok {
		return nil, errNotFound
	}
	return channel, nil
}

func (f *fakeRemote) GuildMembers(guildID string) ([]*discordgo.Member, error) {
	return f.guildMembers[guildID], nil
}

func (f *fakeRemote) Member(guildID, userID string) (*discordgo.Member, error) {
	member, ok := f.members[guildID+"|"+userID]
	if !ok {
		return nil, errNotFound
	}
	return member, nil
}

func (f *fakeRemote) GuildsForUser(userID string) []string {
	return f.userGuilds[userID]
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
