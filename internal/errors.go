package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
	"golang.org/x/xerrors"
)

var (
	ErrReadConfigurationFailure      = xerrors.New("Failed to read configuration")
	ErrLoadConfigurationFailure      = xerrors.New("Failed to load configuration")
	ErrConfigurationValidateToken    = xerrors.New("Configuration missing token")
	ErrConfigurationValidateAuthMode = xerrors.New("Configuration has unknown auth mode")
	ErrConfigurationValidateLocale   = xerrors.New("Configuration has invalid locale")
	ErrConfigurationValidateBaseURL  = xerrors.New("Configuration missing valid base URL")
	ErrConfigurationValidateGateway  = xerrors.New("Configuration missing valid gateway URL")
	ErrConfigurationValidateHTTP     = xerrors.New("Configuration missing valid HTTP Host")
	ErrConfigurationValidateProxy    = xerrors.New("Configuration has unsupported proxy scheme")
)

var (
	ErrDispatcherClosed = xerrors.New("Dispatcher has been closed")
	ErrRateLimited      = xerrors.New("Request was rate limited")
)

var (
	ErrNoGatewayHandler    = xerrors.New("No registered handler for gateway event")
	ErrGatewayNotConnected = xerrors.New("Gateway is not connected")
	ErrGatewayClosed       = xerrors.New("Gateway connection closed before handshake")
	ErrHandshakeTimeout    = xerrors.New("Timed out waiting for gateway hello")
	ErrHeartbeatTimeout    = xerrors.New("Heartbeat was not acknowledged")
	ErrReconnect           = xerrors.New("Reconnect is required")
	ErrReconnectExhausted  = xerrors.New("Exhausted gateway reconnect attempts")
	ErrNonRecoverableClose = xerrors.New("Gateway closed with non-recoverable code")
	ErrSessionTimeout      = xerrors.New("Timed out waiting for voice server and session data")
)

var (
	ErrProducerMissing = xerrors.New("No producer client found")
)

// TransportError is returned when a request could not reach the API after
// exhausting its retries.
type TransportError struct {
	Err     error
	Method  string
	Path    string
	Retries int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: request failed after %d retries: %v", e.Method, e.Path, e.Retries, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is returned when the API kept responding with 5xx.
type ServerError struct {
	Method     string
	Path       string
	Status     string
	StatusCode int
	Retries    int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s %s: %s after %d retries", e.Method, e.Path, e.Status, e.Retries)
}

// APIError is a 4xx response decoded from the API error body.
type APIError struct {
	Body        *discord.ErrorMessage
	Method      string
	Path        string
	Message     string
	Errors      []string
	RequestBody []byte
	HTTPStatus  int
	Retries     int
	Code        int32
}

func newAPIError(method, path string, status, retries int, body *discord.ErrorMessage, requestBody []byte) *APIError {
	e := &APIError{
		Body:        body,
		Method:      method,
		Path:        path,
		HTTPStatus:  status,
		Retries:     retries,
		RequestBody: requestBody,
	}

	if body != nil {
		e.Code = body.Code
		e.Message = body.Message
		e.Errors = body.Flatten()
	}

	return e
}

func (e *APIError) Error() string {
	flattened := strings.Join(e.Errors, "\n")

	switch {
	case e.Message != "" && flattened != "":
		return e.Message + "\n" + flattened
	case e.Message != "":
		return e.Message
	case flattened != "":
		return flattened
	default:
		return "Unknown API Error"
	}
}

// Captcha returns the unresolved captcha challenge, if any.
func (e *APIError) Captcha() *discord.ErrorMessage {
	if e.Body != nil && e.Body.HasCaptcha() {
		return e.Body
	}

	return nil
}

// RateLimitError is returned instead of waiting when the route matches the
// reject on rate limit policy.
type RateLimitError struct {
	Method  string
	Path    string
	Route   string
	Bucket  string
	Timeout time.Duration
	Limit   int
	Global  bool
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s %s for %s (global: %t)", e.Method, e.Route, e.Timeout, e.Global)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ReconnectError is the single fatal error surfaced when the gateway
// connection cannot be reestablished.
type ReconnectError struct {
	Err      error
	Attempts int
}

func (e *ReconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway failed after %d reconnect attempts: %v", e.Attempts, e.Err)
	}

	return fmt.Sprintf("gateway failed after %d reconnect attempts", e.Attempts)
}

func (e *ReconnectError) Unwrap() error {
	return e.Err
}

func (e *ReconnectError) Is(target error) bool {
	return target == ErrReconnectExhausted
}
