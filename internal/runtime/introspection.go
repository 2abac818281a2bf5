package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metricspkg "github.com/drblury/flowbus/internal/runtime/metrics"
)

const httpShutdownTimeout = 5 * time.Second

// ChannelInfo describes one registered channel.
type ChannelInfo struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Depth int    `json:"depth"`
}

// EndpointInfo describes one activated endpoint.
type EndpointInfo struct {
	Name    string `json:"name"`
	Style   string `json:"style"`
	Input   string `json:"input,omitempty"`
	Running bool   `json:"running"`
}

// Description is the payload of the introspection API.
type Description struct {
	Running         bool                `json:"running"`
	Backend         string              `json:"backend"`
	Channels        []ChannelInfo       `json:"channels"`
	Endpoints       []EndpointInfo      `json:"endpoints"`
	Adapters        []string            `json:"adapters"`
	PendingTimeouts int                 `json:"pending_timeouts"`
	Metrics         metricspkg.Snapshot `json:"metrics"`
}

// Describe collects the current state of the bus.
func (b *Bus) Describe(ctx context.Context) Description {
	d := Description{
		Running:  b.Running(),
		Backend:  b.backend.Name,
		Adapters: b.Adapters(),
		Metrics:  b.metrics.GetSnapshot(),
	}
	for _, name := range b.channels.Names() {
		ch := b.channels.Find(name)
		kind := "queue"
		if _, ok := ch.(*channelpkg.PublishSubscribeChannel); ok {
			kind = "publish-subscribe"
		}
		d.Channels = append(d.Channels, ChannelInfo{Name: name, Kind: kind, Depth: ch.Len()})
	}
	for _, ep := range b.Endpoints() {
		d.Endpoints = append(d.Endpoints, EndpointInfo{
			Name:    ep.Name(),
			Style:   ep.Style().String(),
			Input:   ep.Input().Name(),
			Running: ep.Running(),
		})
	}
	if n, err := b.timeouts.Pending(ctx); err == nil {
		d.PendingTimeouts = n
	}
	return d
}

func (b *Bus) handleDescribe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(b.Conf.IntrospectionCORSAllowedOrigins) > 0 {
		if allowed := b.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := jsoncodec.Marshal(b.Describe(r.Context()))
	if err != nil {
		b.Logger.Error("Failed to encode bus description", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (b *Bus) allowedCORSOrigin(origin string) string {
	for _, allowed := range b.Conf.IntrospectionCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the bus.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}
	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (b *Bus) registerHTTPHandlers() {
	b.httpOnce.Do(func() {
		if b.Conf.MetricsEnabled {
			b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", b.metrics.Handler())
		}
		if b.Conf.IntrospectionEnabled {
			b.RegisterHTTPHandler(b.Conf.IntrospectionPort, "/api/bus", http.HandlerFunc(b.handleDescribe))
		}
	})
}

func (b *Bus) startHTTPServers() {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		b.servers = append(b.servers, srv)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (b *Bus) shutdownHTTPServers() error {
	b.httpServersMu.Lock()
	servers := b.servers
	b.servers = nil
	b.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
