package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/mediadevices"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkurst/dialtone/internal/config"
	"github.com/dkurst/dialtone/internal/core"
	"github.com/dkurst/dialtone/internal/domain"
	"github.com/dkurst/dialtone/internal/media"
	"github.com/dkurst/dialtone/internal/rtc"
	"github.com/dkurst/dialtone/internal/session"
	"github.com/dkurst/dialtone/internal/transport"
)

func main() {
	callTarget := flag.String("call", "", "user id to call on startup")
	video := flag.Bool("video", false, "place a video call instead of audio")
	synthetic := flag.Bool("synthetic", false, "use a synthetic silence stream instead of capture hardware")
	autoAnswer := flag.Bool("autoanswer", false, "accept incoming calls automatically")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	self := domain.Peer{
		ID:     domain.UserID(cfg.Client.UserID),
		Name:   cfg.Client.Username,
		Avatar: cfg.Client.Avatar,
	}

	var (
		source   core.MediaSource
		selector *mediadevices.CodecSelector
	)
	if *synthetic {
		source = media.NewSilence()
	} else {
		capture, err := media.NewCapture()
		if err != nil {
			log.Warn().Err(err).Msg("capture unavailable, falling back to synthetic audio")
			source = media.NewSilence()
		} else {
			source = capture
			selector = capture.Selector()
		}
	}

	factory, err := rtc.NewFactory(rtc.Config{STUNServers: cfg.Client.STUNServers}, selector)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build peer link factory")
	}

	tr := transport.New(transport.Options{
		URL:         cfg.Client.RelayURL,
		Token:       cfg.Client.Token,
		Self:        self,
		MaxAttempts: cfg.Client.ConnectAttempts,
		BaseDelay:   cfg.Client.ConnectBaseDelay,
		MaxDelay:    cfg.Client.ConnectMaxDelay,
		OnState: func(state transport.State, err error) {
			log.Info().Str("state", string(state)).Err(err).Msg("signaling channel")
		},
	})

	var machine *session.Machine
	machine = session.New(tr, source, factory, self,
		session.WithRingingTimeout(cfg.Client.RingingTimeout),
		session.WithNotices(func(n domain.Notice) {
			log.Info().Str("notice", string(n)).Msg("call notice")
		}),
		session.WithOnChange(func(s domain.CallSession) {
			log.Info().
				Str("status", string(s.Status)).
				Str("call_id", string(s.CallID)).
				Int("duration", s.DurationSeconds).
				Msg("call state")
			if *autoAnswer && s.Status == domain.StatusRinging && s.Direction == domain.DirectionIncoming {
				go func() {
					log.Info().Str("call_id", string(s.CallID)).Msg("auto answering")
					if err := machine.Accept(ctx); err != nil {
						log.Error().Err(err).Msg("auto answer failed")
					}
				}()
			}
		}),
	)

	if err := machine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start call session")
	}

	if err := tr.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to relay")
	}

	if *callTarget != "" {
		kind := domain.CallAudio
		if *video {
			kind = domain.CallVideo
		}
		if err := machine.Initiate(domain.Peer{ID: domain.UserID(*callTarget)}, kind, ""); err != nil {
			log.Error().Err(err).Str("target", *callTarget).Msg("call failed to start")
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	machine.Shutdown()
	tr.Close()
}
