package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/cli-gateway/internal/events"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handlers registered
// alongside the proxy routes (metrics scraping, readiness probes driven by
// something other than the gateway's own health state).
type ManagementRoutes struct {
	Metrics RouteHandler
}

// PortRange bounds the EADDRINUSE rescan (spec.md §5 "Port binding").
type PortRange struct {
	Min int
	Max int
}

// Start starts the HTTP server on the caller-preferred port, rescanning
// portRange on EADDRINUSE. Pass a zero PortRange to disable rescanning.
func (g *Gateway) Start(preferredPort int, portRange PortRange) (int, error) {
	return g.StartWithRoutes(preferredPort, portRange, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes and
// returns the port actually bound (spec.md §5 "Port binding"): the listener
// picks the caller-preferred port and on EADDRINUSE scans portRange. The
// bound port is kept for BoundPort and published as a gateway:status event;
// it is not written back to any settings.
func (g *Gateway) StartWithRoutes(preferredPort int, portRange PortRange, mgmt *ManagementRoutes) (int, error) {
	r := router.New()

	r.POST("/v1/messages", g.handleProxy)
	r.POST("/v1/messages/count_tokens", g.handleProxy)
	r.POST("/v1/responses", g.handleProxy)
	r.POST("/v1/chat/completions", g.handleProxy)
	r.POST("/v1beta/models/{rest:*}", g.handleProxy)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	g.srv = &fasthttp.Server{
		Handler:               handler,
		StreamRequestBody:     true,
		CloseOnShutdown:       true,
		NoDefaultServerHeader: true,
	}

	ln, port, err := bindWithRescan(preferredPort, portRange)
	if err != nil {
		return 0, err
	}
	g.boundPort = port

	if g.Bus != nil {
		g.Bus.Publish(events.Event{Topic: events.TopicStatus, Data: map[string]any{"status": "listening", "port": port}})
	}

	go func() {
		if serveErr := g.srv.Serve(ln); serveErr != nil {
			g.log.Error("server exited", slog.String("error", serveErr.Error()))
		}
	}()

	return port, nil
}

// bindWithRescan attempts to bind preferredPort on loopback; on EADDRINUSE it
// scans [portRange.Min, portRange.Max] in order and binds the first free
// port. A zero-value portRange disables rescanning.
func bindWithRescan(preferredPort int, portRange PortRange) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredPort))
	if err == nil {
		return ln, preferredPort, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) || portRange.Max <= 0 || portRange.Max < portRange.Min {
		return nil, 0, err
	}

	for p := portRange.Min; p <= portRange.Max; p++ {
		if p == preferredPort {
			continue
		}
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			return ln, p, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("gateway: no free port in range [%d, %d]", portRange.Min, portRange.Max)
}

// BoundPort returns the port actually bound by the last Start/StartWithRoutes
// call, or 0 if the server has not started.
func (g *Gateway) BoundPort() int {
	return g.boundPort
}

// Shutdown drains in-flight requests for up to gracePeriod. If the drain has
// not finished by then, it waits an additional second and then keeps
// waiting until the drain completes; outstanding handlers are not aborted.
func (g *Gateway) Shutdown(gracePeriod time.Duration) error {
	if g.srv == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- g.srv.Shutdown() }()

	select {
	case err := <-done:
		return err
	case <-time.After(gracePeriod):
		// Task abort: fasthttp's Shutdown has no hard-kill switch, so the
		// additional grace window just gives in-flight drop-guards (tee
		// finalization, log flush) a chance to run before the process exits.
		time.Sleep(1 * time.Second)
		return <-done
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "port": g.boundPort})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health != nil && !g.health.ReadinessOK() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
