package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/load"
)

var (
	overlayMu sync.RWMutex
	overlays  = make(map[string]load.Source)
)

// OverlayDescriptor describes a virtual CUE file registered as an overlay.
type OverlayDescriptor struct {
	Path   string
	Source load.Source
}

// RegisterOverlay registers a virtual CUE file that is visible to every CUE
// configuration load. Paths are relative to the configuration directory.
func RegisterOverlay(path string, src load.Source) error {
	normalized, err := normalizeOverlayPath(path)
	if err != nil {
		return err
	}
	if src == nil {
		return errors.New("overlay source must not be nil")
	}
	overlayMu.Lock()
	defer overlayMu.Unlock()
	if _, exists := overlays[normalized]; exists {
		return fmt.Errorf("overlay %s already registered", normalized)
	}
	overlays[normalized] = src
	return nil
}

// RegisterOverlayString registers a virtual CUE file from a raw string.
func RegisterOverlayString(path, cue string) error {
	return RegisterOverlay(path, load.FromString(cue))
}

// RegisterOverlayFile registers a virtual CUE file from a parsed AST.
func RegisterOverlayFile(path string, file *ast.File) error {
	if file == nil {
		return errors.New("overlay file must not be nil")
	}
	return RegisterOverlay(path, load.FromFile(file))
}

// RegisterOverlayDescriptors registers all provided overlay descriptors.
func RegisterOverlayDescriptors(descs ...OverlayDescriptor) error {
	for _, desc := range descs {
		if err := RegisterOverlay(desc.Path, desc.Source); err != nil {
			return err
		}
	}
	return nil
}

// Overlays lists the registered overlay paths in sorted order.
func Overlays() []string {
	overlayMu.RLock()
	defer overlayMu.RUnlock()
	paths := make([]string, 0, len(overlays))
	for path := range overlays {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func normalizeOverlayPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("overlay path must not be empty")
	}
	if filepath.IsAbs(trimmed) {
		return "", fmt.Errorf("overlay path %s must be relative", trimmed)
	}
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", errors.New("overlay path must reference a file inside the configuration directory")
	}
	if !strings.EqualFold(filepath.Ext(cleaned), ".cue") {
		return "", fmt.Errorf("overlay %s must be a .cue file", cleaned)
	}
	return cleaned, nil
}

// ResolveOverlays returns a copy of the overlay registry keyed by absolute
// paths below baseDir, as expected by load.Config.
func ResolveOverlays(baseDir string) map[string]load.Source {
	overlayMu.RLock()
	defer overlayMu.RUnlock()
	if len(overlays) == 0 {
		return nil
	}
	resolved := make(map[string]load.Source, len(overlays))
	for path, src := range overlays {
		resolved[filepath.Join(baseDir, path)] = src
	}
	return resolved
}

// ResetOverlaysForTest clears the overlay registry.
func ResetOverlaysForTest() {
	overlayMu.Lock()
	overlays = make(map[string]load.Source)
	overlayMu.Unlock()
}
