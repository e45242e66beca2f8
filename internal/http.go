package internal

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// RestResponse is the envelope of every status server response.
type RestResponse struct {
	Response interface{} `json:"response,omitempty"`
	Error    string      `json:"error,omitempty"`
	Ok       bool        `json:"ok"`
}

// StatusResponse describes the state of the client.
type StatusResponse struct {
	Uptime    string        `json:"uptime"`
	Gateway   GatewayStatus `json:"gateway"`
	SessionID string        `json:"session_id,omitempty"`
	Voice     *VoiceSession `json:"voice,omitempty"`
	Buckets   []BucketState `json:"buckets"`
	Global    GlobalState   `json:"global"`
	Latency   int64         `json:"latency"`
	Version   string        `json:"version"`

	SendsAvailable int32  `json:"sends_available"`
	Subscribers    int    `json:"subscribers"`
	DroppedEvents  uint64 `json:"dropped_events"`
}

func (c *Client) newHTTPServer() *fasthttp.Server {
	return &fasthttp.Server{
		Name:    "Panini",
		Handler: c.HandleRequest(),
	}
}

// HandleRequest returns the status server request handler.
func (c *Client) HandleRequest() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/status", c.StatusEndpoint)
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))

	handler := r.Handler

	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		handler(ctx)

		c.Logger.Debug().
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", ctx.Response.StatusCode()).
			Dur("duration", time.Since(start)).
			Msg("Handled status request")
	}
}

func (c *Client) StatusEndpoint(ctx *fasthttp.RequestCtx) {
	var latency int64

	if ack, sent := c.Gateway.LastHeartbeatAck.Load(), c.Gateway.LastHeartbeatSent.Load(); !ack.Before(sent) {
		latency = ack.Sub(sent).Milliseconds()
	}

	var uptime time.Duration

	if !c.StartTime.IsZero() {
		uptime = time.Since(c.StartTime).Round(time.Second)
	}

	writeResponse(ctx, fasthttp.StatusOK, RestResponse{
		Ok: true,
		Response: StatusResponse{
			Uptime:    uptime.String(),
			Gateway:   c.Gateway.Status(),
			SessionID: c.Gateway.SessionID.Load(),
			Voice:     c.Voice.Session(),
			Buckets:   c.REST.Buckets(),
			Global:    c.REST.GlobalState(),
			Latency:   latency,
			Version:   VERSION,

			SendsAvailable: c.Gateway.SendsAvailable(),
			Subscribers:    c.Events.Subscribers(),
			DroppedEvents:  c.Events.Dropped(),
		},
	})
}

func writeResponse(ctx *fasthttp.RequestCtx, statusCode int, response RestResponse) {
	ctx.SetContentType("application/json;charset=utf-8")

	res, err := json.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"ok":false,"error":"failed to marshal response"}`)

		return
	}

	ctx.SetStatusCode(statusCode)
	ctx.SetBody(res)
}

func (c *Client) serveHTTP() {
	c.Logger.Info().Str("host", c.Configuration.HTTP.Host).Msg("Serving status server")

	if err := c.httpServer.ListenAndServe(c.Configuration.HTTP.Host); err != nil {
		c.Logger.Error().Str("host", c.Configuration.HTTP.Host).Err(err).Msg("Failed to serve status server")
	}
}
