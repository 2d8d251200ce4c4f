package security

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrInvalidEntry = errors.New("security: invalid whitelist entry")

// whitelistFile is the on-disk YAML shape.
type whitelistFile struct {
	Enabled bool     `yaml:"enabled"`
	Entries []string `yaml:"entries"`
}

// Whitelist restricts which client IPs may connect. When disabled every IP is
// allowed; when enabled only listed IPs or CIDRs plus loopback are.
type Whitelist struct {
	saveMu  sync.Mutex // orders snapshot writes
	mu      sync.RWMutex
	path    string
	enabled bool
	entries map[string]*net.IPNet
	logger  *slog.Logger
}

// LoadWhitelist reads the YAML file at path. A missing file is an empty,
// disabled whitelist. An empty path keeps the list in memory only.
func LoadWhitelist(path string, logger *slog.Logger) (*Whitelist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Whitelist{path: path, entries: make(map[string]*net.IPNet), logger: logger}
	if path == "" {
		return w, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if errors.Is(err, os.ErrNotExist) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("security: read whitelist: %w", err)
	}

	var f whitelistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("security: parse whitelist: %w", err)
	}
	w.enabled = f.Enabled
	for _, e := range f.Entries {
		n, err := parseCIDRorIP(e)
		if err != nil {
			logger.Warn("skipping invalid whitelist entry", "entry", e, "err", err)
			continue
		}
		w.entries[strings.TrimSpace(e)] = n
	}
	return w, nil
}

// Enabled reports whether the whitelist is enforced.
func (w *Whitelist) Enabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

// Allowed reports whether ip may connect.
func (w *Whitelist) Allowed(ip string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.enabled {
		return true
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() {
		return true
	}
	for _, n := range w.entries {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Entries returns the configured entries, sorted.
func (w *Whitelist) Entries() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sortedLocked()
}

// SetEnabled turns enforcement on or off and persists the change.
func (w *Whitelist) SetEnabled(enabled bool) {
	w.update(func() bool {
		w.enabled = enabled
		return true
	})
}

// Add inserts an IP or CIDR entry and persists the list.
func (w *Whitelist) Add(entry string) error {
	entry = strings.TrimSpace(entry)
	n, err := parseCIDRorIP(entry)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEntry, entry, err)
	}
	w.update(func() bool {
		w.entries[entry] = n
		return true
	})
	return nil
}

// Remove deletes an entry and persists the list. Reports whether it existed.
func (w *Whitelist) Remove(entry string) bool {
	entry = strings.TrimSpace(entry)
	var ok bool
	w.update(func() bool {
		_, ok = w.entries[entry]
		delete(w.entries, entry)
		return ok
	})
	return ok
}

// update applies fn under the write lock and persists the result when fn
// reports a change.
func (w *Whitelist) update(fn func() bool) {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	w.mu.Lock()
	changed := fn()
	snap := w.snapshotLocked()
	w.mu.Unlock()

	if changed {
		w.save(snap)
	}
}

func (w *Whitelist) sortedLocked() []string {
	out := make([]string, 0, len(w.entries))
	for e := range w.entries {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (w *Whitelist) snapshotLocked() whitelistFile {
	return whitelistFile{Enabled: w.enabled, Entries: w.sortedLocked()}
}

// save writes the snapshot atomically. Failures are logged, not returned.
func (w *Whitelist) save(f whitelistFile) {
	if w.path == "" {
		return
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		w.logger.Error("marshal whitelist", "err", err)
		return
	}
	tmp := w.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(w.path), 0o750); err != nil {
		w.logger.Error("create whitelist dir", "path", w.path, "err", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		w.logger.Error("write whitelist", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		w.logger.Error("replace whitelist", "path", w.path, "err", err)
	}
}

// parseCIDRorIP parses either a CIDR string or a single IP address.
func parseCIDRorIP(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty")
	}
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errors.New("invalid ip")
	}
	bits := 128
	if ip.To4() != nil {
		bits = 32
		ip = ip.To4()
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
