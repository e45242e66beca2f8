package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
	panini "github.com/WelcomerTeam/Panini/internal"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

const closeTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configurationPath string

	var envFiles []string

	var voiceChannel string

	var selfMute, selfDeaf, stream bool

	flagSet := pflag.NewFlagSet("panini", pflag.ContinueOnError)
	flagSet.StringVarP(&configurationPath, "configuration", "c", "", "path to the YAML configuration (default: $"+panini.EnvConfiguration+" or panini.yaml)")
	flagSet.StringSliceVar(&envFiles, "env", []string{".env"}, ".env files to load before reading the configuration")
	flagSet.StringVar(&voiceChannel, "voice-channel", "", "voice channel to join once connected")
	flagSet.BoolVar(&selfMute, "self-mute", false, "join the voice channel muted")
	flagSet.BoolVar(&selfDeaf, "self-deaf", false, "join the voice channel deafened")
	flagSet.BoolVar(&stream, "stream", false, "go live after joining the voice channel")
	version := flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}

		return err
	}

	if *version {
		fmt.Println("panini " + panini.VERSION)

		return nil
	}

	panini.LoadEnvironment(envFiles...)

	if configurationPath == "" {
		configurationPath = os.Getenv(panini.EnvConfiguration)
	}

	if configurationPath == "" {
		configurationPath = "panini.yaml"
	}

	configuration, err := panini.LoadConfiguration(configurationPath)
	if err != nil {
		return err
	}

	logger, closeLogger, err := newLogger(configuration.Logging)
	if err != nil {
		return err
	}

	defer closeLogger()

	client, err := panini.NewClient(logger, configuration, panini.ClientOptions{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err = client.Open(ctx); err != nil {
		return err
	}

	logger.Info().Str("version", panini.VERSION).Msg("Panini started")

	if voiceChannel != "" {
		if err = joinVoice(ctx, client, voiceChannel, panini.VoiceOptions{
			SelfMute: selfMute,
			SelfDeaf: selfDeaf,
			Stream:   stream,
		}); err != nil {
			logger.Error().Err(err).Str("channel_id", voiceChannel).Msg("Failed to join voice channel")
		}
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received signal, closing")
	case err = <-client.Gateway.Fatal():
		logger.Error().Err(err).Msg("Gateway failed, closing")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	client.Close(closeCtx)

	return err
}

// joinVoice fetches the channel over REST so the cache can resolve it, then
// joins it.
func joinVoice(ctx context.Context, client *panini.Client, channel string, options panini.VoiceOptions) error {
	channelID, err := discord.ParseSnowflake(channel)
	if err != nil {
		return fmt.Errorf("invalid voice channel: %w", err)
	}

	var voiceChannel discord.Channel

	err = client.REST.Do(ctx, &panini.Request{
		Method: "GET",
		Path:   "/channels/{channel.id}",
		Params: []interface{}{channelID},
	}, &voiceChannel)
	if err != nil {
		return fmt.Errorf("failed to fetch voice channel: %w", err)
	}

	if cache, ok := client.Cache.(*panini.MemoryCache); ok {
		cache.StoreChannel(&voiceChannel)
	}

	session, err := client.Voice.Join(ctx, channelID, options)
	if err != nil {
		return err
	}

	if session == nil {
		return fmt.Errorf("channel %s cannot be joined", channel)
	}

	client.Logger.Info().
		Str("channel", voiceChannel.Name).
		Str("endpoint", session.Server.Endpoint).
		Msg("Connected to voice")

	return nil
}

// newLogger writes to the console and, when enabled, to a rotating file.
func newLogger(config panini.LoggingConfiguration) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	writers := []io.Writer{
		zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Stamp,
		},
	}

	closer := func() {}

	if config.FileLoggingEnabled {
		file := &lumberjack.Logger{
			Filename:   config.Filename,
			MaxBackups: config.MaxBackups,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}

		writers = append(writers, file)
		closer = func() { _ = file.Close() }
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()

	return logger, closer, nil
}
