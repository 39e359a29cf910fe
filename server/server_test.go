package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/pvmailbox/config"
	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/telemetry"
	"github.com/timzifer/pvmailbox/value"
)

type reloadCounter struct {
	telemetry.Collector
	mu    sync.Mutex
	files []string
}

func (r *reloadCounter) IncHotReload(file string) {
	r.mu.Lock()
	r.files = append(r.files, file)
	r.mu.Unlock()
}

func (r *reloadCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func quiet() []Option {
	return []Option{WithLogger(zerolog.Nop()), WithTelemetry(telemetry.Noop())}
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func resolve(t *testing.T, srv *Server, name string) *pv.SharedPV {
	t.Helper()
	shared, err := srv.Provider().Resolve(name)
	if err != nil {
		t.Fatalf("resolve %s: %v", name, err)
	}
	return shared
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestNewWithMailboxesOnly(t *testing.T) {
	srv, err := New(context.Background(), append(quiet(), WithMailboxes("foo", " bar ", ""))...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()

	if got := srv.Provider().Names(); !reflect.DeepEqual(got, []string{"bar", "foo"}) {
		t.Fatalf("unexpected names %v", got)
	}
	current, err := resolve(t, srv, "foo").Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Kind() != value.KindInt || current.Interface() != int64(0) {
		t.Fatalf("expected int zero, got %v", current)
	}
}

func TestNewFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.yaml")
	writeConfig(t, path, `name: demo
pvs:
  - name: greeting
    type: str
    initial: hello
    put_guard: "value != 'bad'"
`)

	srv, err := New(context.Background(), append(quiet(), WithConfigPath(path), WithMailboxes("greeting", "extra"))...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()

	if srv.Provider().Name() != "demo" {
		t.Fatalf("unexpected provider name %q", srv.Provider().Name())
	}
	greeting := resolve(t, srv, "greeting")
	current, _ := greeting.Current()
	if current.Interface() != "hello" {
		t.Fatalf("expected hello, got %v", current.Interface())
	}
	if kind, _ := resolve(t, srv, "extra").Kind(); kind != value.KindInt {
		t.Fatalf("expected command line mailbox to be int, got %s", kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	op := pv.NewPut(ctx, "test", value.Scalar(value.KindString).MustWrap("bad"))
	greeting.Submit(op)
	if _, err := op.Wait(ctx); err == nil {
		t.Fatal("expected guard to reject put")
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	cfg := &config.Config{PVs: []config.PVConfig{{Name: "foo", PutGuard: "value +"}}}
	if _, err := New(context.Background(), append(quiet(), WithConfig(cfg))...); err == nil {
		t.Fatal("expected guard compile error")
	}

	cfg = &config.Config{PVs: []config.PVConfig{{Name: "foo", Type: "complex"}}}
	if _, err := New(context.Background(), append(quiet(), WithConfig(cfg))...); err == nil {
		t.Fatal("expected unknown type error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(ctx, quiet()...); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestApplyAddsKeepsAndRemoves(t *testing.T) {
	cfg := &config.Config{PVs: []config.PVConfig{{Name: "a"}, {Name: "b"}}}
	srv, err := New(context.Background(), append(quiet(), WithConfig(cfg))...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()

	a := resolve(t, srv, "a")
	b := resolve(t, srv, "b")
	if err := a.Post(value.Scalar(value.KindInt).MustWrap(9), time.Time{}); err != nil {
		t.Fatalf("post: %v", err)
	}

	report, err := srv.Apply(&config.Config{PVs: []config.PVConfig{{Name: "a", Type: "str"}, {Name: "c", Type: "float"}}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := Report{Added: []string{"c"}, Removed: []string{"b"}, Kept: []string{"a"}}
	if !reflect.DeepEqual(report, want) {
		t.Fatalf("unexpected report %+v", report)
	}
	if b.IsOpen() {
		t.Fatal("removed PV must be closed")
	}
	if resolve(t, srv, "a") != a {
		t.Fatal("kept PV must keep its binding")
	}
	current, _ := a.Current()
	if current.Interface() != int64(9) {
		t.Fatalf("kept PV lost its value: %v", current.Interface())
	}
	if kind, _ := resolve(t, srv, "c").Kind(); kind != value.KindFloat {
		t.Fatalf("expected float, got %s", kind)
	}
}

func TestApplyInvalidLeavesStateUntouched(t *testing.T) {
	cfg := &config.Config{PVs: []config.PVConfig{{Name: "a"}}}
	srv, err := New(context.Background(), append(quiet(), WithConfig(cfg))...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()

	_, err = srv.Apply(&config.Config{PVs: []config.PVConfig{{Name: "b", PutGuard: "value +"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := srv.Provider().Names(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("unexpected names %v", got)
	}
	if srv.Config() != cfg {
		t.Fatal("configuration must not change on failure")
	}
}

func TestReloadWithoutPath(t *testing.T) {
	srv, err := New(context.Background(), quiet()...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()
	if err := srv.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error without configuration path")
	}
}

func TestRunHotReloadsConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.yaml")
	writeConfig(t, path, `hot_reload: true
reload_interval: 20ms
gateway:
  listen: "127.0.0.1:0"
pvs:
  - name: foo
`)

	counter := &reloadCounter{Collector: telemetry.Noop()}
	srv, err := New(context.Background(), WithLogger(zerolog.Nop()), WithTelemetry(counter), WithConfigPath(path), WithMailboxes("cli"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()
	foo := resolve(t, srv, "foo")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give the watcher a distinct modification time to observe.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, `hot_reload: true
reload_interval: 20ms
gateway:
  listen: "127.0.0.1:0"
pvs:
  - name: foo
  - name: bar
    type: str
`)

	waitFor(t, 2*time.Second, func() bool { return srv.Provider().Len() == 3 })
	if resolve(t, srv, "foo") != foo {
		t.Fatal("existing PV replaced on reload")
	}
	resolve(t, srv, "cli")
	waitFor(t, time.Second, func() bool { return counter.count() > 0 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	if foo.IsOpen() {
		t.Fatal("PVs must be closed after run")
	}
}

func TestRunTwiceFails(t *testing.T) {
	srv, err := New(context.Background(), append(quiet(), WithListen("127.0.0.1:0"))...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitFor(t, time.Second, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.running
	})
	if err := srv.Run(ctx); err == nil {
		t.Fatal("expected second run to fail")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewConfiguresMQTTBridge(t *testing.T) {
	cfg := &config.Config{MQTT: config.MQTTConfig{Enabled: true}}
	if _, err := New(context.Background(), append(quiet(), WithConfig(cfg))...); err == nil {
		t.Fatal("expected error for mqtt without broker")
	}

	cfg = &config.Config{MQTT: config.MQTTConfig{Enabled: true, Broker: "tcp://127.0.0.1:1883", Prefix: "plant"}}
	srv, err := New(context.Background(), append(quiet(), WithConfig(cfg))...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()
	if srv.Bridge() == nil || srv.Bridge().Prefix() != "plant" {
		t.Fatal("expected configured bridge")
	}

	srv, err = New(context.Background(), quiet()...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer srv.Close()
	if srv.Bridge() != nil {
		t.Fatal("bridge must be disabled by default")
	}
}
