// Copyright 2024-2026 Aiku AI

package bridge

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestAdminAPIEnsureChannel(t *testing.T) {
	link := testLink("!room1:example.com", "chan1")
	cs, _, matrix, remote := newChannelSyncFixture(t, link)
	api := NewAdminAPI(cs, remote, testLogger())
	server := httptest.NewServer(api.Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/ensure-channel/chan1", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[Discord] My Guild #general", matrix.names[id.RoomID("!room1:example.com")])
}

func TestAdminAPIEnsureChannelUnknown(t *testing.T) {
	cs, _, _, remote := newChannelSyncFixture(t)
	api := NewAdminAPI(cs, remote, testLogger())
	server := httptest.NewServer(api.Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/ensure-channel/nope", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminAPIEnsureGuild(t *testing.T) {
	linkA := testLink("!a:example.com", "chan1")
	linkB := testLink("!b:example.com", "chan2")
	cs, _, matrix, remote := newChannelSyncFixture(t, linkA, linkB)
	api := NewAdminAPI(cs, remote, testLogger())
	server := httptest.NewServer(api.Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/ensure-guild/guild1", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[Discord] My Guild #general", matrix.names[id.RoomID("!a:example.com")])
	assert.Equal(t, "[Discord] My Guild #random", matrix.names[id.RoomID("!b:example.com")])
}
