package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Call/internal/adapters/media"
	"github.com/dkeye/Call/internal/adapters/media/device"
	"github.com/dkeye/Call/internal/adapters/relay"
	"github.com/dkeye/Call/internal/adapters/rtc"
	"github.com/dkeye/Call/internal/auth"
	"github.com/dkeye/Call/internal/call"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/domain"
)

type options struct {
	mode         string
	conversation string
	video        bool
	token        string
	relayURL     string
	userID       string
	username     string
	ttl          time.Duration
}

func parseFlags() options {
	var o options
	pflag.StringVarP(&o.mode, "mode", "m", "watch", "One of: call, answer, watch, token")
	pflag.StringVarP(&o.conversation, "conversation", "c", "", "Conversation id to call or listen on")
	pflag.BoolVarP(&o.video, "video", "V", false, "Send video as well as audio (overrides config)")
	pflag.StringVarP(&o.token, "token", "t", "", "Relay JWT (overrides config and CALL_TOKEN)")
	pflag.StringVarP(&o.relayURL, "relay", "r", "", "Relay base URL (overrides config)")
	pflag.StringVarP(&o.userID, "user", "u", "", "User id to mint a token for; a random id is generated when empty (token mode)")
	pflag.StringVarP(&o.username, "name", "n", "", "Display name for the minted token (token mode)")
	pflag.DurationVar(&o.ttl, "ttl", 24*time.Hour, "Lifetime of the minted token (token mode)")
	pflag.Parse()
	return o
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	opts := parseFlags()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch opts.mode {
	case "token":
		err = mintToken(opts)
	case "call", "answer", "watch":
		err = run(ctx, opts)
	default:
		err = fmt.Errorf("unknown mode %q", opts.mode)
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", opts.mode).Msg("callctl failed")
	}
}

// mintToken signs a token with the relay's jwt_secret for local testing.
func mintToken(opts options) error {
	if opts.userID == "" && opts.username == "" {
		return errors.New("--user or --name is required")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	var user *domain.User
	if opts.userID == "" {
		// fresh identity with a generated id
		if user, err = domain.NewUser(opts.username); err != nil {
			return err
		}
	} else {
		user = &domain.User{ID: domain.UserID(opts.userID), Username: opts.username}
		if user.Username == "" {
			user.Username = opts.userID
		}
	}
	raw, err := auth.NewTokens(cfg.JWTSecret).Issue(*user, opts.ttl)
	if err != nil {
		return err
	}
	fmt.Println(raw)
	return nil
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if opts.token != "" {
		cfg.Token = opts.token
	}
	if opts.relayURL != "" {
		cfg.RelayURL = opts.relayURL
	}
	video := cfg.Video || opts.video
	if opts.conversation == "" {
		return errors.New("--conversation is required")
	}
	conv := domain.ConversationID(opts.conversation)

	client, err := relay.Dial(ctx, relay.Config{BaseURL: cfg.RelayURL, Token: cfg.Token, ChannelPrefix: cfg.ChannelPrefix})
	if err != nil {
		return err
	}
	defer client.Close()
	me, err := client.Me(ctx)
	if err != nil {
		return err
	}

	var capturer call.Capturer
	var populate func(*webrtc.MediaEngine)
	if dev, err := device.New(); err != nil {
		log.Warn().Err(err).Str("module", "callctl").Msg("no capture devices, receive-only")
	} else {
		capturer = dev
		populate = dev.Populate
	}
	api, err := rtc.NewAPI(populate)
	if err != nil {
		return err
	}

	mgr := call.NewManager(ctx, call.ManagerConfig{
		LocalUser:          me.ID,
		Transport:          client,
		Capturer:           capturer,
		NewConnectivity:    rtc.NewFactory(api, rtc.DefaultWebRTCConfig(cfg.ICEServers), attachStats),
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	defer mgr.Close()

	mgr.OnState(func(s call.Snapshot) {
		log.Info().Str("module", "callctl").
			Str("conversation", string(s.ConversationID)).
			Str("role", s.Role.String()).
			Str("state", s.State.String()).
			Str("connection", string(s.Connection)).
			Str("reason", s.Reason).
			Msg("call state")
	})
	mgr.OnIncoming(func(in call.IncomingCall) {
		l := log.With().Str("module", "callctl").Str("from", string(in.From)).Bool("video", in.Video).Logger()
		if opts.mode != "answer" {
			l.Info().Msg("incoming call, run with --mode answer to pick up")
			return
		}
		go func() {
			if err := in.Session.Accept(ctx); err != nil {
				l.Error().Err(err).Msg("accept failed")
			}
		}()
	})

	if err := mgr.Watch(conv); err != nil {
		return err
	}
	log.Info().Str("module", "callctl").Str("user", string(me.ID)).Str("conversation", string(conv)).Str("mode", opts.mode).Msg("ready")

	if opts.mode == "call" {
		if _, err := mgr.Call(ctx, conv, video); err != nil {
			if perr, ok := call.IsPermission(err); ok {
				return fmt.Errorf("media unavailable (%s): %w", perr.Kind, err)
			}
			return err
		}
		// on glare the manager swaps our caller session for a callee one
		finished := make(chan call.Snapshot, 1)
		go func() {
			snap, _ := mgr.Await(ctx, conv)
			finished <- snap
		}()
		select {
		case snap := <-finished:
			log.Info().Str("module", "callctl").Str("state", snap.State.String()).Str("reason", snap.Reason).Msg("call finished")
			return nil
		case <-client.Done():
			return errors.New("relay connection lost")
		}
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
		return errors.New("relay connection lost")
	}
	return nil
}

// attachStats counts inbound media; rendering is out of scope for a CLI.
func attachStats(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver, feedback rtc.RTCPWriter) {
	stats := &media.StatsSink{}
	r := media.AttachRemoteTrack(ctx, track, feedback, map[string]media.Sink{"stats": stats})
	go func() {
		<-r.Done()
		log.Info().Str("module", "callctl").
			Str("kind", track.Kind().String()).
			Uint64("packets", stats.Packets()).
			Uint64("bytes", stats.Bytes()).
			Msg("remote track finished")
	}()
}
