package reload

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/timzifer/pvmailbox/config"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "\t", "/tmp/c", "/tmp/b"}
	got := uniquePaths(paths)
	want := []string{"/tmp/a", "/tmp/b", "/tmp/c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateIncludesExistingFilesAndRoot(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "mailbox.yaml")
	pvFile := filepath.Join(dir, "pvs.yaml")
	rootFile := filepath.Join(dir, "root.cue")

	writeFile(t, configFile, "config")
	writeFile(t, pvFile, "pvs")
	writeFile(t, rootFile, "root")

	cfg := &config.Config{
		Source: config.ModuleReference{File: configFile},
		PVs:    []config.PVConfig{{Name: "foo", Source: config.ModuleReference{File: pvFile}}},
	}

	var watcher Watcher
	if err := watcher.Update(rootFile, cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	want := []string{configFile, pvFile, rootFile}
	sort.Strings(want)
	if got := watcher.Tracked(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tracked() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")
	cfg := &config.Config{
		Source: config.ModuleReference{File: missing},
	}

	var watcher Watcher
	if err := watcher.Update("", cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(watcher.files) != 0 {
		t.Fatalf("expected 0 tracked files, got %d", len(watcher.files))
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.yaml")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	cfg := &config.Config{
		Source: config.ModuleReference{File: fileA},
		PVs:    []config.PVConfig{{Name: "b", Source: config.ModuleReference{File: fileB}}},
	}

	watcher, err := NewWatcher("", cfg)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	} else if len(changed) != 0 {
		t.Fatalf("expected no changes on first check, got %v", changed)
	}

	writeFile(t, fileA, "first-UPDATED")
	if err := os.Remove(fileB); err != nil {
		t.Fatalf("Remove(%s) error = %v", fileB, err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	expected := []string{fileA, fileB}
	sort.Strings(expected)
	if !reflect.DeepEqual(changed, expected) {
		t.Fatalf("Check() = %v, want %v", changed, expected)
	}
}

func TestWatcherPollReportsChanges(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "mailbox.yaml")
	writeFile(t, file, "pvs: []")
	cfg := &config.Config{Source: config.ModuleReference{File: file}}

	watcher, err := NewWatcher(file, cfg)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var once sync.Once
	got := make(chan []string, 1)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Poll(ctx, 5*time.Millisecond, func(changed []string) {
			once.Do(func() {
				got <- changed
				cancel()
			})
		})
	}()

	writeFile(t, file, "pvs: [{name: foo}]")

	select {
	case changed := <-got:
		if !reflect.DeepEqual(changed, []string{file}) {
			t.Fatalf("Poll reported %v, want %v", changed, []string{file})
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Poll did not report the change")
	}
	if err := <-done; err != context.Canceled {
		t.Fatalf("Poll() error = %v, want context.Canceled", err)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update("", &config.Config{}); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("nil watcher Check() error = %v", err)
	} else if changed != nil {
		t.Fatalf("expected nil slice from nil watcher, got %v", changed)
	}
	if tracked := watcher.Tracked(); tracked != nil {
		t.Fatalf("expected nil tracked list, got %v", tracked)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
