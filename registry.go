package rastermill

import (
	"path/filepath"
	"strings"
	"sync"
)

// The format registry maps catalog-declared format names and file
// extensions to plugins. Plugins register themselves from init.

var (
	formatsMu sync.RWMutex
	formats   = map[string]FormatPlugin{}
)

// RegisterFormat adds a plugin to the registry, replacing any plugin
// previously registered under the same name.
func RegisterFormat(p FormatPlugin) {
	formatsMu.Lock()
	formats[p.Name()] = p
	formatsMu.Unlock()
}

// FormatByName returns the plugin registered under name.
func FormatByName(name string) (FormatPlugin, bool) {
	formatsMu.RLock()
	p, ok := formats[name]
	formatsMu.RUnlock()
	return p, ok
}

// FormatForFile picks a plugin for a file: extension match first, falling
// back to each plugin's signature sniff. Never a full parse.
func FormatForFile(path string) (FormatPlugin, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	for _, p := range formats {
		for _, e := range p.Extensions() {
			if e == ext && p.CanHandle(path) {
				return p, true
			}
		}
	}
	for _, p := range formats {
		if p.CanHandle(path) {
			return p, true
		}
	}
	return nil, false
}

// Formats returns the registered format names.
func Formats() []string {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	return names
}
