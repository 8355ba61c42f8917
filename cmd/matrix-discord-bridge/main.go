// Copyright 2024-2026 Aiku AI

// Command matrix-discord-bridge mirrors Discord channels and users into
// Matrix rooms: channel attributes (name, topic, guild icon) are pushed to
// linked rooms, user profiles and per-guild nicknames to ghost users, and
// channel deletions trigger the configured cleanup policies.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/bridge"
	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type environment struct {
	ConfigPath    string `env:"CONFIG_PATH" envDefault:"config.yaml"`
	DatabaseURL   string `env:"DATABASE_URL,required"`
	DiscordToken  string `env:"DISCORD_TOKEN,required"`
	MatrixASToken string `env:"MATRIX_AS_TOKEN,required"`
	MatrixBotMXID string `env:"MATRIX_BOT_MXID,required"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(); err != nil {
		log := zerolog.New(os.Stderr)
		log.Err(err).Msg("Bridge exited with error")
		os.Exit(1)
	}
}

func run() error {
	var envCfg environment
	if err := env.Parse(&envCfg); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(envCfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).Msg("Starting matrix-discord-bridge")

	cfg, err := bridge.LoadConfig(envCfg.ConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(envCfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		return err
	}

	links := store.NewLinkStore(db, cfg.CacheTTL())
	users := store.NewUserLinkStore(db, cfg.CacheTTL())

	matrix, err := bridge.NewMatrixClient(cfg, id.UserID(envCfg.MatrixBotMXID), envCfg.MatrixASToken, log)
	if err != nil {
		return err
	}

	session, err := discordgo.New("Bot " + envCfg.DiscordToken)
	if err != nil {
		return err
	}
	session.Identify.Intents = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentGuildMembers
	remote := bridge.NewDiscordSource(session)

	channelSync := bridge.NewChannelSync(links, matrix, remote, cfg, log)
	userSync := bridge.NewUserSync(users, links, matrix, matrix, remote, cfg, log)
	unlinker := bridge.NewUnlinker(links, matrix, matrix, remote, cfg, log)

	registerDiscordHandlers(ctx, session, channelSync, userSync, unlinker, log)

	if err := session.Open(); err != nil {
		return err
	}
	defer session.Close()

	go matrixSyncLoop(ctx, matrix.Client(), userSync, cfg, log)

	adminAPI := bridge.NewAdminAPI(channelSync, remote, log)
	server := &http.Server{
		Addr:         cfg.AdminAPIAddr,
		Handler:      adminAPI.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.AdminAPIAddr).Msg("Starting bridge admin API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func registerDiscordHandlers(ctx context.Context, session *discordgo.Session, channels *bridge.ChannelSync, users *bridge.UserSync, unlinker *bridge.Unlinker, log zerolog.Logger) {
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.Ready) {
		// Ready only lists unavailable guild stubs; the full guilds follow
		// as guild-create events.
		log.Info().Int("guilds", len(e.Guilds)).Msg("Discord session ready")
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildCreate) {
		channels.OnGuildCreate(ctx, e.Guild)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.ChannelUpdate) {
		channels.OnChannelUpdate(ctx, e.Channel)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.ChannelDelete) {
		unlinker.OnChannelDelete(ctx, e.Channel)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildUpdate) {
		channels.OnGuildUpdate(ctx, e.Guild)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildDelete) {
		guild := e.BeforeDelete
		if guild == nil {
			guild = e.Guild
		}
		unlinker.OnGuildDelete(ctx, guild)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
		users.OnAddGuildMember(ctx, e.Member)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
		users.OnRemoveGuildMember(ctx, e.Member)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.UserUpdate) {
		users.OnUserUpdate(ctx, e.User)
	})
}

// matrixSyncLoop feeds ghost member state events into the user
// reconciler's debounce guard.
func matrixSyncLoop(ctx context.Context, client *mautrix.Client, users *bridge.UserSync, cfg *bridge.Config, log zerolog.Logger) {
	ghostPrefix := "@" + cfg.GhostUserPrefix
	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		if !strings.HasPrefix(evt.GetStateKey(), ghostPrefix) {
			return
		}
		go func() {
			result, err := users.OnMemberState(ctx, evt, cfg.MemberStateDebounce())
			if err != nil {
				log.Warn().Err(err).Str("result", string(result)).Msg("Member state event failed")
			}
		}()
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := client.SyncWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Matrix sync error")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}
