// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixClient implements MatrixRoomAPI and IntentFactory on top of a
// mautrix client authenticated as the bridge's application service. Ghost
// intents impersonate their user via the appservice token.
type MatrixClient struct {
	client *mautrix.Client
	config *Config
	log    zerolog.Logger
	http   *http.Client

	intentMu sync.Mutex
	intents  map[string]*ghostIntent
}

var (
	_ MatrixRoomAPI = (*MatrixClient)(nil)
	_ IntentFactory = (*MatrixClient)(nil)
)

// NewMatrixClient creates the bridge bot client. botMXID is the appservice
// bot's user ID and asToken the appservice token used for impersonation.
func NewMatrixClient(config *Config, botMXID id.UserID, asToken string, log zerolog.Logger) (*MatrixClient, error) {
	client, err := mautrix.NewClient(config.HomeserverURL, botMXID, asToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	client.SetAppServiceUserID = true
	return &MatrixClient{
		client:  client,
		config:  config,
		log:     log.With().Str("component", "matrix_client").Logger(),
		http:    &http.Client{Timeout: 30 * time.Second},
		intents: make(map[string]*ghostIntent),
	}, nil
}

// Client exposes the underlying mautrix client for sync-loop wiring.
func (m *MatrixClient) Client() *mautrix.Client {
	return m.client
}

func (m *MatrixClient) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := m.client.SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	return err
}

func (m *MatrixClient) SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error {
	_, err := m.client.SendStateEvent(ctx, roomID, event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	return err
}

func (m *MatrixClient) SetRoomAvatar(ctx context.Context, roomID id.RoomID, avatar id.ContentURIString) error {
	content := &event.RoomAvatarEventContent{}
	if avatar != "" {
		uri, err := id.ParseContentURI(string(avatar))
		if err != nil {
			return fmt.Errorf("parse avatar uri: %w", err)
		}
		content.URL = uri.CUString()
	}
	_, err := m.client.SendStateEvent(ctx, roomID, event.StateRoomAvatar, "", content)
	return err
}

func (m *MatrixClient) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := m.client.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}

func (m *MatrixClient) GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, into any) error {
	return m.client.StateEvent(ctx, roomID, evtType, stateKey, into)
}

func (m *MatrixClient) DeleteAlias(ctx context.Context, alias id.RoomAlias) error {
	_, err := m.client.DeleteAlias(ctx, alias)
	return err
}

func (m *MatrixClient) SetDirectoryVisibility(ctx context.Context, roomID id.RoomID, visibility string) error {
	url := m.client.BuildClientURL("v3", "directory", "list", "room", roomID)
	_, err := m.client.MakeRequest(ctx, http.MethodPut, url, &struct {
		Visibility string `json:"visibility"`
	}{visibility}, nil)
	return err
}

func (m *MatrixClient) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := m.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

// UploadFromURL downloads remote media and uploads it to the homeserver's
// media repository.
func (m *MatrixClient) UploadFromURL(ctx context.Context, url string) (id.ContentURIString, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	upload, err := m.client.UploadBytes(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return upload.ContentURI.CUString(), nil
}

// Intent returns the ghost intent for a Discord user, creating and caching
// an impersonating client on first use.
func (m *MatrixClient) Intent(discordUserID string) GhostIntent {
	m.intentMu.Lock()
	defer m.intentMu.Unlock()
	if intent, ok := m.intents[discordUserID]; ok {
		return intent
	}

	mxid := m.config.GhostMXID(discordUserID)
	client, err := mautrix.NewClient(m.config.HomeserverURL, mxid, m.client.AccessToken)
	if err != nil {
		// Only reachable with a malformed homeserver URL, which NewMatrixClient
		// already validated.
		m.log.Error().Err(err).Str("mxid", mxid.String()).Msg("Failed to create ghost client")
		return &ghostIntent{userID: mxid, err: err}
	}
	client.SetAppServiceUserID = true

	intent := &ghostIntent{userID: mxid, client: client}
	m.intents[discordUserID] = intent
	return intent
}

// ghostIntent performs Matrix calls as a single ghost user.
type ghostIntent struct {
	userID id.UserID
	client *mautrix.Client
	err    error
}

var _ GhostIntent = (*ghostIntent)(nil)

func (g *ghostIntent) UserID() id.UserID {
	return g.userID
}

func (g *ghostIntent) SetDisplayName(ctx context.Context, name string) error {
	if g.err != nil {
		return g.err
	}
	return g.client.SetDisplayName(ctx, name)
}

func (g *ghostIntent) SetAvatarURL(ctx context.Context, avatar id.ContentURIString) error {
	if g.err != nil {
		return g.err
	}
	uri := id.ContentURI{}
	if avatar != "" {
		parsed, err := id.ParseContentURI(string(avatar))
		if err != nil {
			return fmt.Errorf("parse avatar uri: %w", err)
		}
		uri = parsed
	}
	return g.client.SetAvatarURL(ctx, uri)
}

func (g *ghostIntent) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	if g.err != nil {
		return g.err
	}
	_, err := g.client.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}

func (g *ghostIntent) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	if g.err != nil {
		return g.err
	}
	_, err := g.client.JoinRoomByID(ctx, roomID)
	return err
}

func (g *ghostIntent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	if g.err != nil {
		return g.err
	}
	_, err := g.client.LeaveRoom(ctx, roomID)
	return err
}
