// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminAPI exposes the manual repair surface over HTTP: force-pushing a
// channel's (or a whole guild's) current state to its linked rooms.
type AdminAPI struct {
	channels *ChannelSync
	remote   RemoteSource
	log      zerolog.Logger
}

func NewAdminAPI(channels *ChannelSync, remote RemoteSource, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		channels: channels,
		remote:   remote,
		log:      log.With().Str("component", "admin_api").Logger(),
	}
}

// Router builds the admin API routes.
func (a *AdminAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/ensure-channel/{channelID}", a.handleEnsureChannel)
	r.Post("/api/ensure-guild/{guildID}", a.handleEnsureGuild)
	return r
}

func (a *AdminAPI) handleEnsureChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	channel, err := a.remote.Channel(channelID)
	if err != nil {
		a.log.Warn().Err(err).Str("channel_id", channelID).Msg("Ensure: channel not found")
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	if err := a.channels.EnsureChannelState(r.Context(), channel); err != nil {
		a.log.Error().Err(err).Str("channel_id", channelID).Msg("Ensure: failed")
		http.Error(w, "ensure failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "channel_id": channelID})
}

func (a *AdminAPI) handleEnsureGuild(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	guild, err := a.remote.Guild(guildID)
	if err != nil {
		a.log.Warn().Err(err).Str("guild_id", guildID).Msg("Ensure: guild not found")
		http.Error(w, "guild not found", http.StatusNotFound)
		return
	}

	ensured := 0
	for _, channel := range guild.Channels {
		if err := a.channels.EnsureChannelState(r.Context(), channel); err != nil {
			a.log.Warn().Err(err).
				Str("guild_id", guildID).
				Str("channel_id", channel.ID).
				Msg("Ensure: skipping channel")
			continue
		}
		ensured++
	}
	writeJSON(w, map[string]any{"status": "ok", "guild_id": guildID, "channels": ensured})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
