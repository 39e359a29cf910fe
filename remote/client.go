// Package remote is a Go client for the PV gateway HTTP API.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/timzifer/pvmailbox/mailbox"
	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/value"
)

// DefaultTimeout bounds get, put and rpc requests.
const DefaultTimeout = 5 * time.Second

// StatusError reports a non-success response from the gateway. It unwraps
// to the pv or mailbox error matching the status where one exists.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: %s", http.StatusText(e.Code))
	}
	return fmt.Sprintf("gateway: %s: %s", http.StatusText(e.Code), e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return pv.ErrNotFound
	case http.StatusServiceUnavailable:
		return pv.ErrDisconnected
	case http.StatusMethodNotAllowed:
		return pv.ErrNotSupported
	case http.StatusForbidden:
		return mailbox.ErrRejected
	case http.StatusGatewayTimeout:
		return pv.ErrCancelled
	default:
		return nil
	}
}

// Summary describes one PV as listed by the gateway.
type Summary struct {
	Name        string     `json:"name"`
	Open        bool       `json:"open"`
	Type        value.Kind `json:"type,omitempty"`
	Subscribers int        `json:"subscribers"`
}

// Update is one monitor event.
type Update struct {
	Value   value.Value
	Seq     uint64
	Overrun bool
}

type wireValue struct {
	Name      string       `json:"name"`
	Type      value.Kind   `json:"type"`
	Value     interface{}  `json:"value"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
	Alarm     *value.Alarm `json:"alarm,omitempty"`
	Seq       uint64       `json:"seq"`
	Overrun   bool         `json:"overrun"`
}

func (w wireValue) toValue() (value.Value, error) {
	if w.Type == value.KindInvalid {
		return value.Value{}, nil
	}
	v, err := value.Scalar(w.Type).Wrap(w.Value)
	if err != nil {
		return value.Value{}, err
	}
	if w.Timestamp != nil {
		v = v.WithTimestamp(*w.Timestamp)
	}
	if w.Alarm != nil {
		v = v.WithAlarm(*w.Alarm)
	}
	return v, nil
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds get, put and rpc requests. Monitors are not bounded.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Client talks to one gateway.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a client for the gateway at address, given either as
// host:port or as a full http URL.
func NewClient(address string, opts ...Option) (*Client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("remote address is required")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse remote address: %w", err)
	}
	c := &Client{base: base, http: http.DefaultClient, timeout: DefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// List returns the PVs the gateway serves.
func (c *Client) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	if err := c.do(ctx, http.MethodGet, c.endpoint("", "", nil), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get reads the current value of name.
func (c *Client) Get(ctx context.Context, name string) (value.Value, error) {
	var out wireValue
	if err := c.do(ctx, http.MethodGet, c.endpoint(name, "", nil), nil, &out); err != nil {
		return value.Value{}, err
	}
	return out.toValue()
}

// Put writes v to name. The gateway leaves type conversion to the PV.
func (c *Client) Put(ctx context.Context, name string, v value.Value) error {
	body, err := encodeValue(v)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, c.endpoint(name, "", nil), body, nil)
}

// RPC invokes an rpc on name with the given query and optional argument.
func (c *Client) RPC(ctx context.Context, name string, query map[string]string, arg value.Value) (value.Value, error) {
	var body []byte
	if arg.Valid() {
		var err error
		if body, err = encodeValue(arg); err != nil {
			return value.Value{}, err
		}
	}
	var out wireValue
	if err := c.do(ctx, http.MethodPost, c.endpoint(name, "rpc", query), body, &out); err != nil {
		return value.Value{}, err
	}
	return out.toValue()
}

// Monitor opens an update stream for name. The stream ends with io.EOF when
// the PV is closed, or with ctx's error when ctx ends.
func (c *Client) Monitor(ctx context.Context, name string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(name, "monitor", nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return &Stream{ctx: ctx, body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// Stream is an open monitor. It is not safe for concurrent use.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next blocks until the next update. Heartbeat lines are skipped.
func (s *Stream) Next() (Update, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var w wireValue
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&w); err != nil {
			return Update{}, fmt.Errorf("decode monitor update: %w", err)
		}
		v, err := w.toValue()
		if err != nil {
			return Update{}, err
		}
		return Update{Value: v, Seq: w.Seq, Overrun: w.Overrun}, nil
	}
	if err := s.ctx.Err(); err != nil {
		return Update{}, err
	}
	if err := s.scanner.Err(); err != nil {
		return Update{}, err
	}
	return Update{}, io.EOF
}

// Close ends the stream.
func (s *Stream) Close() error {
	return s.body.Close()
}

func (c *Client) endpoint(name, action string, query map[string]string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/pvs"
	if name != "" {
		u.Path += "/" + name
	}
	if action != "" {
		u.Path += "/" + action
	}
	if len(query) > 0 {
		q := make(url.Values, len(query))
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}

func encodeValue(v value.Value) ([]byte, error) {
	if !v.Valid() {
		return nil, pv.ErrInvalidValue
	}
	payload := struct {
		Value interface{} `json:"value"`
	}{Value: v.Interface()}
	if d, ok := v.Decimal(); ok {
		payload.Value = json.Number(d.String())
	}
	return json.Marshal(payload)
}
