package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"
)

// VERSION follows semantic versioning.
const VERSION = "0.1.0"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const producerClientName = "panini"

// ClientOptions are the optional collaborators of a Client.
type ClientOptions struct {
	HTTPClient    *http.Client
	TokenSource   oauth2.TokenSource
	CaptchaSolver CaptchaSolver
	StepUp        StepUpHandler
	Transport     Transport
	Cache         ObjectCache

	RejectOnRateLimit func(*RateLimitEvent) bool
}

// Client ties the REST dispatcher, the session connection and the voice
// negotiator together.
type Client struct {
	Logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	StartTime time.Time

	Configuration Configuration

	Events  *EventBus
	REST    *Dispatcher
	Gateway *Gateway
	Voice   *VoiceManager
	Cache   ObjectCache

	producer   Producer
	httpServer *fasthttp.Server
}

// NewClient validates the configuration and creates a client. Nothing is
// connected until Open.
func NewClient(logger zerolog.Logger, configuration Configuration, options ClientOptions) (*Client, error) {
	configuration.SetDefaults()

	if err := configuration.Validate(); err != nil {
		return nil, err
	}

	httpClient := options.HTTPClient

	if httpClient == nil {
		var err error

		httpClient, err = NewHTTPClient(configuration.REST.Proxy)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		Logger: logger,

		ctx:    ctx,
		cancel: cancel,

		Configuration: configuration,

		Events: NewEventBus(),
		Cache:  options.Cache,
	}

	if c.Cache == nil {
		c.Cache = NewMemoryCache()
	}

	properties := configuration.Gateway.Properties

	c.REST = NewDispatcher(logger, configuration.Token, configuration.REST, DispatcherOptions{
		HTTPClient:        httpClient,
		TokenSource:       options.TokenSource,
		CaptchaSolver:     options.CaptchaSolver,
		StepUp:            options.StepUp,
		Events:            c.Events,
		RejectOnRateLimit: options.RejectOnRateLimit,
		Properties:        &properties,
	})

	transport := options.Transport
	if transport == nil {
		transport = &WebsocketTransport{
			HTTPClient: httpClient,
			Header:     http.Header{"User-Agent": {configuration.REST.UserAgent}},
		}
	}

	c.Gateway = NewGateway(logger, configuration.Token, configuration.Gateway, transport, c.Events)
	c.Voice = NewVoiceManager(logger, c.Gateway, c.Cache, configuration.Voice, c.Events)

	return c, nil
}

// Open starts the dispatcher, the optional producer and status server, and
// connects the session connection.
func (c *Client) Open(ctx context.Context) error {
	c.StartTime = time.Now().UTC()

	RegisterMetrics()

	c.REST.Start()

	if c.Configuration.Producer.Type != "" {
		if err := c.startProducer(ctx); err != nil {
			return err
		}
	}

	if c.Configuration.HTTP.Enabled {
		c.httpServer = c.newHTTPServer()

		go c.serveHTTP()
	}

	if err := c.Gateway.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect gateway: %w", err)
	}

	return nil
}

func (c *Client) startProducer(ctx context.Context) error {
	producer, err := NewProducer(c.Configuration.Producer.Type)
	if err != nil {
		return err
	}

	err = producer.Connect(ctx, producerClientName, c.Configuration.Producer.Channel, c.Configuration.Producer.Configuration)
	if err != nil {
		return fmt.Errorf("failed to connect producer: %w", err)
	}

	c.Logger.Info().
		Str("type", producer.String()).
		Str("channel", producer.Channel()).
		Msg("Connected producer")

	c.producer = producer

	go NewEventForwarder(c.Logger, producer, c.Events).Run(c.ctx)

	return nil
}

// Subscribe receives every telemetry event until cancel is called.
func (c *Client) Subscribe(buffer int) (events <-chan Event, cancel func()) {
	if buffer <= 0 {
		buffer = EventBufferSize
	}

	return c.Events.Subscribe(buffer)
}

// Close leaves any voice session, closes the session connection and cancels
// every pending REST submission.
func (c *Client) Close(ctx context.Context) {
	if err := c.Voice.Leave(ctx); err != nil {
		c.Logger.Warn().Err(err).Msg("Failed to leave voice channel")
	}

	c.Gateway.Shutdown()
	c.REST.Close()

	if c.httpServer != nil {
		if err := c.httpServer.ShutdownWithContext(ctx); err != nil {
			c.Logger.Warn().Err(err).Msg("Failed to shutdown status server")
		}
	}

	c.cancel()

	if c.producer != nil {
		c.producer.Close()
	}

	c.Events.Close()
}
