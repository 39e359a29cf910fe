// Package gateway exposes process variables over HTTP.
//
// The gateway is a thin adapter: every request becomes a pv.Operation or a
// pv.Subscription against the PV resolved through a provider. It does not
// implement the pvAccess wire protocol.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvmailbox/mailbox"
	"github.com/timzifer/pvmailbox/provider"
	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/value"
)

const (
	// DefaultTimeout bounds how long a put or rpc request waits for the
	// handler.
	DefaultTimeout = 10 * time.Second
	// DefaultHeartbeat is the keepalive interval on idle monitor streams.
	DefaultHeartbeat = 30 * time.Second

	maxBodySize = 1 << 20
)

// Lister is implemented by providers that can enumerate their names.
type Lister interface {
	Names() []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With().Str("component", "gateway").Logger()
	}
}

// WithGatherer exposes the given registry on /metrics.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithTimeout bounds put and rpc requests.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithHeartbeat sets the keepalive interval of monitor streams.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.heartbeat = interval
		}
	}
}

// Server serves the HTTP API for the PVs of one provider.
type Server struct {
	provider  provider.Provider
	logger    zerolog.Logger
	gatherer  prometheus.Gatherer
	timeout   time.Duration
	heartbeat time.Duration

	handler http.Handler
	server  *http.Server
	ln      net.Listener
	stop    context.CancelFunc
}

// New creates a gateway for p.
func New(p provider.Provider, opts ...Option) *Server {
	s := &Server{
		provider:  p,
		logger:    zerolog.Nop(),
		timeout:   DefaultTimeout,
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pvs", s.handleList)
	mux.HandleFunc("/api/pvs/", s.handlePV)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.handler = mux
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	base, stop := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.server = srv
	s.ln = ln
	s.stop = stop

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("gateway stopped")
		}
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("gateway started")
	return nil
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.Start(addr); err != nil {
		return err
	}
	<-ctx.Done()
	s.Close()
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close shuts the listener down and ends open monitor streams.
func (s *Server) Close() {
	if s == nil || s.server == nil {
		return
	}
	s.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("shutdown gateway")
	}
}

type pvSummary struct {
	Name        string     `json:"name"`
	Open        bool       `json:"open"`
	Type        value.Kind `json:"type,omitempty"`
	Subscribers int        `json:"subscribers"`
}

type pvValue struct {
	Name      string       `json:"name"`
	Type      value.Kind   `json:"type,omitempty"`
	Value     interface{}  `json:"value"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
	Alarm     *value.Alarm `json:"alarm,omitempty"`
}

type monitorUpdate struct {
	pvValue
	Seq     uint64 `json:"seq"`
	Overrun bool   `json:"overrun,omitempty"`
}

type putRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var names []string
	if lister, ok := s.provider.(Lister); ok {
		names = lister.Names()
	}
	sort.Strings(names)
	out := make([]pvSummary, 0, len(names))
	for _, name := range names {
		shared, err := s.provider.Resolve(name)
		if err != nil {
			continue
		}
		status := shared.Status()
		out = append(out, pvSummary{Name: name, Open: status.Open, Type: status.Kind, Subscribers: status.Subscribers})
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

func (s *Server) handlePV(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/pvs/")
	action := ""
	for _, suffix := range []string{"/rpc", "/monitor"} {
		if strings.HasSuffix(rest, suffix) {
			rest = strings.TrimSuffix(rest, suffix)
			action = suffix[1:]
			break
		}
	}
	name := rest
	if name == "" {
		http.NotFound(w, r)
		return
	}
	shared, err := s.provider.Resolve(name)
	if err != nil {
		s.fail(w, name, err)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGet(w, r, name, shared)
	case action == "" && r.Method == http.MethodPut:
		s.handlePut(w, r, name, shared)
	case action == "rpc" && r.Method == http.MethodPost:
		s.handleRPC(w, r, name, shared)
	case action == "monitor" && r.Method == http.MethodGet:
		s.handleMonitor(w, r, name, shared)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, name string, shared *pv.SharedPV) {
	op := pv.NewGet(r.Context(), name)
	shared.Submit(op)
	res, err := op.Wait(r.Context())
	if err != nil {
		s.fail(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, toPVValue(name, res.Value), s.logger)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, name string, shared *pv.SharedPV) {
	defer r.Body.Close()
	var req putRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	v, err := decodeValue(req.Value)
	if err != nil || !v.Valid() {
		http.Error(w, "invalid value", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	op := pv.NewPut(ctx, name, v)
	shared.Submit(op)
	res, err := op.Wait(ctx)
	if err != nil {
		s.fail(w, name, err)
		return
	}
	if !res.Value.Valid() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toPVValue(name, res.Value), s.logger)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, name string, shared *pv.SharedPV) {
	defer r.Body.Close()
	var arg value.Value
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		var req putRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		if arg, err = decodeValue(req.Value); err != nil {
			http.Error(w, "invalid value", http.StatusBadRequest)
			return
		}
	}
	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	op := pv.NewRPC(ctx, name, arg, query)
	shared.Submit(op)
	res, err := op.Wait(ctx)
	if err != nil {
		s.fail(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, toPVValue(name, res.Value), s.logger)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request, name string, shared *pv.SharedPV) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub := shared.Subscribe(r.Context(), name)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		ctx, cancel := context.WithTimeout(r.Context(), s.heartbeat)
		u, err := sub.Next(ctx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			if _, err := io.WriteString(w, "\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		case errors.Is(err, io.EOF):
			s.logger.Debug().Str("pv", name).Str("subscription", sub.ID()).Msg("monitor ended")
			return
		default:
			return
		}
		line := monitorUpdate{pvValue: toPVValue(name, u.Value), Seq: u.Seq, Overrun: u.Overrun}
		if err := enc.Encode(line); err != nil {
			s.logger.Debug().Err(err).Str("pv", name).Msg("monitor write failed")
			return
		}
		flusher.Flush()
	}
}

func (s *Server) fail(w http.ResponseWriter, name string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Str("pv", name).Int("status", status).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}

// StatusFor maps an operation error to an HTTP status code.
func StatusFor(err error) int {
	var fault *pv.HandlerFault
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pv.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pv.ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &fault):
		return http.StatusInternalServerError
	case errors.Is(err, pv.ErrNotSupported):
		return http.StatusMethodNotAllowed
	case errors.Is(err, mailbox.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, pv.ErrTypeMismatch),
		errors.Is(err, pv.ErrInvalidValue),
		errors.Is(err, mailbox.ErrUnknownRPC),
		errors.Is(err, mailbox.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, pv.ErrCancelled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeValue wraps a JSON scalar in the value kind matching its JSON type.
// Conversion to the PV's own type is left to the handler.
func decodeValue(raw json.RawMessage) (value.Value, error) {
	return value.DecodeJSON(raw)
}

func toPVValue(name string, v value.Value) pvValue {
	out := pvValue{Name: name, Type: v.Kind(), Value: v.Interface()}
	if ts := v.Timestamp(); !ts.IsZero() {
		out.Timestamp = &ts
	}
	if alarm := v.Alarm(); alarm != (value.Alarm{}) {
		out.Alarm = &alarm
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("encode response")
	}
}
