// Package mqtt mirrors process variables onto an MQTT broker.
//
// Every PV name is published as <prefix>/<name> whenever its value changes.
// Messages on <prefix>/<name>/set are submitted as puts and messages on
// <prefix>/<name>/rpc as rpc calls whose result is published on
// <prefix>/<name>/rpc/result. Failures are reported on <prefix>/<name>/error.
// Names containing '/' are published but not routed for writes.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvmailbox/config"
	"github.com/timzifer/pvmailbox/provider"
	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/value"
)

const (
	// DefaultPrefix is the topic prefix used when none is configured.
	DefaultPrefix = "pvmailbox"
	// DefaultTimeout bounds puts, rpcs and publishes.
	DefaultTimeout = 5 * time.Second

	channelName   = "mqtt"
	statusOnline  = "online"
	statusOffline = "offline"
)

// Source is the set of PVs the bridge mirrors.
type Source interface {
	provider.Provider
	Names() []string
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger.With().Str("component", "mqtt").Logger()
	}
}

// WithTimeout bounds operations triggered by MQTT messages.
func WithTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

type monitorHandle struct {
	cancel context.CancelFunc
}

// Bridge connects one Source to an MQTT broker.
type Bridge struct {
	source   Source
	settings config.MQTTConfig
	prefix   string
	logger   zerolog.Logger
	timeout  time.Duration

	mu       sync.Mutex
	client   mqtt.Client
	runCtx   context.Context
	monitors map[string]*monitorHandle
	wg       sync.WaitGroup
}

// New creates a bridge for src. It does not connect until Run.
func New(src Source, settings config.MQTTConfig, opts ...Option) (*Bridge, error) {
	if src == nil {
		return nil, errors.New("mqtt: source is required")
	}
	if strings.TrimSpace(settings.Broker) == "" {
		return nil, errors.New("mqtt: broker address is required")
	}
	prefix := strings.Trim(strings.TrimSpace(settings.Prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, "+#") {
		return nil, errors.New("mqtt: prefix must not contain wildcards")
	}
	b := &Bridge{
		source:   src,
		settings: settings,
		prefix:   prefix,
		logger:   zerolog.Nop(),
		timeout:  DefaultTimeout,
		monitors: make(map[string]*monitorHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Prefix returns the topic prefix.
func (b *Bridge) Prefix() string { return b.prefix }

// StatusTopic carries the retained bridge status, online or offline.
func (b *Bridge) StatusTopic() string { return b.prefix + "/_bridge/status" }

// Topic returns the state topic of name.
func (b *Bridge) Topic(name string) string { return b.prefix + "/" + name }

// Run connects to the broker and mirrors the source until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	client, err := buildClient(b.settings, b.StatusTopic(), b.logger, b.onConnect)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.client = client
	b.runCtx = ctx
	b.mu.Unlock()
	b.logger.Info().Str("broker", b.settings.Broker).Str("prefix", b.prefix).Msg("mqtt bridge connected")

	b.Sync()
	<-ctx.Done()

	b.mu.Lock()
	for name, h := range b.monitors {
		h.cancel()
		delete(b.monitors, name)
	}
	b.runCtx = nil
	b.mu.Unlock()
	b.wg.Wait()

	b.publish(client, b.StatusTopic(), []byte(statusOffline), true)
	client.Disconnect(250)
	return nil
}

// Sync starts mirroring PVs added to the source since the last call and
// stops mirroring removed ones. It is a no-op while the bridge is not
// running.
func (b *Bridge) Sync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx == nil {
		return
	}
	names := b.source.Names()
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	for name, h := range b.monitors {
		if _, ok := wanted[name]; !ok {
			h.cancel()
			delete(b.monitors, name)
		}
	}
	for name := range wanted {
		if _, ok := b.monitors[name]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(b.runCtx)
		h := &monitorHandle{cancel: cancel}
		b.monitors[name] = h
		b.wg.Add(1)
		go b.monitor(ctx, name, h)
	}
}

// Mirrored returns the number of PVs currently mirrored.
func (b *Bridge) Mirrored() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.monitors)
}

func (b *Bridge) monitor(ctx context.Context, name string, h *monitorHandle) {
	defer b.wg.Done()
	defer func() {
		h.cancel()
		b.mu.Lock()
		if b.monitors[name] == h {
			delete(b.monitors, name)
		}
		b.mu.Unlock()
	}()

	for {
		shared, err := b.source.Resolve(name)
		if err != nil {
			if b.settings.Retain {
				// Clear the retained state of a PV that is gone.
				b.publish(b.client, b.Topic(name), nil, true)
			}
			return
		}
		sub := shared.Subscribe(ctx, channelName)
		err = b.forward(ctx, name, sub)
		sub.Cancel()
		if !errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		// The PV closed. It may reopen with another type or be unbound.
		b.logger.Debug().Str("pv", name).Msg("mqtt monitor restarting")
	}
}

func (b *Bridge) forward(ctx context.Context, name string, sub *pv.Subscription) error {
	for {
		u, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		payload, err := encodeUpdate(name, u)
		if err != nil {
			b.logger.Error().Err(err).Str("pv", name).Msg("encode mqtt update")
			continue
		}
		b.publish(b.client, b.Topic(name), payload, b.settings.Retain)
	}
}

func (b *Bridge) onConnect(client mqtt.Client) {
	for _, route := range []struct {
		suffix  string
		handler mqtt.MessageHandler
	}{
		{"set", b.handleSet},
		{"rpc", b.handleRPC},
	} {
		topic := b.prefix + "/+/" + route.suffix
		token := client.Subscribe(topic, b.settings.QoS, route.handler)
		if !token.WaitTimeout(b.timeout) || token.Error() != nil {
			b.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt subscribe failed")
		}
	}
	b.publish(client, b.StatusTopic(), []byte(statusOnline), true)
}

func (b *Bridge) handleSet(client mqtt.Client, msg mqtt.Message) {
	name, ok := b.route(msg.Topic(), "set")
	if !ok {
		return
	}
	v, err := decodeValue(msg.Payload())
	if err != nil {
		b.reportError(client, name, "put", err)
		return
	}
	shared, err := b.source.Resolve(name)
	if err != nil {
		b.reportError(client, name, "put", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	op := pv.NewPut(ctx, channelName, v)
	shared.Submit(op)
	if _, err := op.Wait(ctx); err != nil {
		b.reportError(client, name, "put", err)
	}
}

func (b *Bridge) handleRPC(client mqtt.Client, msg mqtt.Message) {
	name, ok := b.route(msg.Topic(), "rpc")
	if !ok {
		return
	}
	query, err := decodeQuery(msg.Payload())
	if err != nil {
		b.reportError(client, name, "rpc", err)
		return
	}
	shared, err := b.source.Resolve(name)
	if err != nil {
		b.reportError(client, name, "rpc", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	op := pv.NewRPC(ctx, channelName, value.Value{}, query)
	shared.Submit(op)
	res, err := op.Wait(ctx)
	if err != nil {
		b.reportError(client, name, "rpc", err)
		return
	}
	payload, err := encodeUpdate(name, pv.Update{Value: res.Value})
	if err != nil {
		b.reportError(client, name, "rpc", err)
		return
	}
	b.publish(client, b.Topic(name)+"/rpc/result", payload, false)
}

func (b *Bridge) route(topic, action string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/"+action)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func (b *Bridge) reportError(client mqtt.Client, name, op string, err error) {
	b.logger.Warn().Err(err).Str("pv", name).Str("op", op).Msg("mqtt request failed")
	payload, merr := json.Marshal(errorPayload{Op: op, Error: err.Error()})
	if merr != nil {
		return
	}
	b.publish(client, b.Topic(name)+"/error", payload, false)
}

func (b *Bridge) publish(client mqtt.Client, topic string, payload []byte, retain bool) {
	if client == nil {
		return
	}
	token := client.Publish(topic, b.settings.QoS, retain, payload)
	if !token.WaitTimeout(b.timeout) {
		b.logger.Warn().Str("topic", topic).Msg("mqtt publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}
