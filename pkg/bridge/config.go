// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge's behavioural configuration. Process-level
// settings (tokens, database URL) come from the environment instead; see
// cmd/matrix-discord-bridge.
type Config struct {
	HomeserverURL    string `yaml:"homeserver_url"`
	HomeserverDomain string `yaml:"homeserver_domain"`

	// ChannelNamePattern produces mirrored room names. ":name" is replaced
	// with "#"+channel name, then ":guild" with the guild name. Both
	// replacements are literal and case-sensitive.
	ChannelNamePattern string `yaml:"channel_name_pattern"`

	// GhostUserPrefix is the localpart prefix for ghost users, so a Discord
	// user 123 becomes @<prefix>123:<domain>.
	GhostUserPrefix string `yaml:"ghost_user_prefix"`
	// AliasPrefix is the localpart prefix for auto-created room aliases,
	// #<prefix><guild>_<channel>:<domain>.
	AliasPrefix string `yaml:"alias_prefix"`

	MemberStateDebounceMS int `yaml:"member_state_debounce_ms"`
	CacheTTLSeconds       int `yaml:"cache_ttl_seconds"`

	// AdminAPIAddr is the listen address for the admin repair API.
	// Defaults to ":29334".
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Deletion DeletionPolicy `yaml:"deletion"`
}

// DeletionPolicy controls what happens to a linked room when its Discord
// channel is deleted. The alias, directory, join-rule, and power-level
// policies never apply to manually provisioned (plumbed) links.
type DeletionPolicy struct {
	GhostsLeave         bool   `yaml:"ghosts_leave"`
	NamePrefix          string `yaml:"name_prefix"`
	TopicPrefix         string `yaml:"topic_prefix"`
	UnsetRoomAlias      bool   `yaml:"unset_room_alias"`
	UnlistFromDirectory bool   `yaml:"unlist_from_directory"`
	SetInviteOnly       bool   `yaml:"set_invite_only"`
	DisableMessaging    bool   `yaml:"disable_messaging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	if c.HomeserverDomain == "" {
		return fmt.Errorf("homeserver_domain is required")
	}
	if c.ChannelNamePattern == "" {
		c.ChannelNamePattern = "[Discord] :guild :name"
	}
	if c.GhostUserPrefix == "" {
		c.GhostUserPrefix = "_discord_"
	}
	if c.AliasPrefix == "" {
		c.AliasPrefix = "_discord_"
	}
	if c.MemberStateDebounceMS <= 0 {
		c.MemberStateDebounceMS = 1500
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 30
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = ":29334"
	}
	return nil
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// FormatChannelName renders the channel name pattern. The ":name" token is
// substituted before ":guild".
func (c *Config) FormatChannelName(channelName, guildName string) string {
	out := strings.ReplaceAll(c.ChannelNamePattern, ":name", "#"+channelName)
	return strings.ReplaceAll(out, ":guild", guildName)
}

// GhostMXID returns the Matrix user ID of the ghost for a Discord user.
func (c *Config) GhostMXID(discordUserID string) id.UserID {
	return id.NewUserID(c.GhostUserPrefix+discordUserID, c.HomeserverDomain)
}

// AliasForChannel returns the canonical alias an auto-created link uses for
// the given channel.
func (c *Config) AliasForChannel(guildID, channelID string) id.RoomAlias {
	return id.NewRoomAlias(c.AliasPrefix+guildID+"_"+channelID, c.HomeserverDomain)
}

// MemberStateDebounce returns the debounce window for member state events.
func (c *Config) MemberStateDebounce() time.Duration {
	return time.Duration(c.MemberStateDebounceMS) * time.Millisecond
}

// CacheTTL returns the lifetime for the stores' read caches.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}
