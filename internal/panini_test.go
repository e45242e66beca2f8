package internal

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientValidatesConfiguration(t *testing.T) {
	_, err := NewClient(zerolog.Nop(), Configuration{}, ClientOptions{})
	assert.ErrorIs(t, err, ErrConfigurationValidateToken)

	_, err = NewClient(zerolog.Nop(), Configuration{
		Token: "token",
		REST:  RESTConfiguration{Proxy: "ftp://proxy.test"},
	}, ClientOptions{})
	assert.ErrorIs(t, err, ErrConfigurationValidateProxy)
}

func TestClientOpenAndClose(t *testing.T) {
	transport := helloTransport(45000)
	client := newTestClient(t, transport)

	events, cancel := client.Subscribe(0)
	defer cancel()

	require.NoError(t, client.Open(context.Background()))
	assert.Equal(t, GatewayStatusActive, client.Gateway.Status())

	ctx, cancelClose := context.WithTimeout(context.Background(), time.Second)
	defer cancelClose()

	client.Close(ctx)

	require.Eventually(t, func() bool {
		return client.Gateway.Status() == GatewayStatusDisconnected
	}, time.Second, 5*time.Millisecond)

	_, err := client.REST.Submit(context.Background(), &Request{Method: "GET", Path: "/users/@me"})
	assert.ErrorIs(t, err, ErrDispatcherClosed)

	var statuses []GatewayStatus

	for event := range events {
		if status, ok := event.Data.(*GatewayStatusEvent); ok {
			statuses = append(statuses, status.To)
		}
	}

	assert.Contains(t, statuses, GatewayStatusActive)
}

func TestClientOpenUnknownProducer(t *testing.T) {
	client := newTestClient(t, helloTransport(45000))
	client.Configuration.Producer.Type = "carrier-pigeon"

	err := client.Open(context.Background())
	assert.ErrorIs(t, err, ErrProducerMissing)
}
