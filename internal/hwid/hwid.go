// Package hwid derives a stable per-machine identifier used to bind licenses
// to hardware. The id is a one-way hash of machine factors, truncated to 16
// hex characters so it can be stored and compared without exposing the raw
// factors.
package hwid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// IDLength is the length of the hex digest returned by Resolve.
const IDLength = 16

// Resolver derives and caches the machine identifier.
type Resolver struct {
	fallbackPath string
	logger       *slog.Logger

	mu     sync.RWMutex
	cached string
}

// NewResolver creates a resolver. fallbackPath is where a generated random id
// is persisted when no hardware factor is available.
func NewResolver(fallbackPath string, logger *slog.Logger) *Resolver {
	return &Resolver{
		fallbackPath: fallbackPath,
		logger:       logger.With(slog.String("component", "hwid")),
	}
}

// Resolve returns the machine identifier. It is deterministic across process
// restarts: hardware factors are hashed when available, otherwise a random id
// is generated once, persisted, and reused. The only error path is a failed
// write of the fallback file.
func (r *Resolver) Resolve() (string, error) {
	r.mu.RLock()
	if r.cached != "" {
		id := r.cached
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != "" {
		return r.cached, nil
	}

	if id, ok := r.fromHardware(); ok {
		r.cached = id
		return id, nil
	}

	id, err := r.fallback()
	if err != nil {
		return "", err
	}
	r.cached = id
	return id, nil
}

// fromHardware combines stable machine factors into the digest. Returns
// ok=false when no factor at all could be collected.
func (r *Resolver) fromHardware() (string, bool) {
	mac, macErr := primaryMAC()
	hostname, hostErr := normalizedHostname()
	if macErr != nil && hostErr != nil {
		r.logger.Warn("no hardware factors available, falling back to generated id",
			slog.String("mac_error", macErr.Error()),
			slog.String("hostname_error", hostErr.Error()),
		)
		return "", false
	}

	factors := []string{mac, hostname, cpuIdentity(), runtime.GOOS, runtime.GOARCH}
	digest := sha256.Sum256([]byte(strings.Join(factors, "|")))
	id := hex.EncodeToString(digest[:])[:IDLength]

	r.logger.Debug("hardware id resolved",
		slog.String("hardware_id", id),
		slog.String("hostname", hostname),
	)
	return id, true
}

// fallback reads a previously generated id, or generates and persists a new
// one. Idempotent: an existing file is returned unchanged.
func (r *Resolver) fallback() (string, error) {
	if data, err := os.ReadFile(r.fallbackPath); err == nil {
		id := strings.TrimSpace(string(data))
		if len(id) >= IDLength {
			return id[:IDLength], nil
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate fallback id: %w", err)
	}
	id := hex.EncodeToString(buf)[:IDLength]

	if err := os.MkdirAll(filepath.Dir(r.fallbackPath), 0o700); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(r.fallbackPath, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist fallback id: %w", err)
	}

	r.logger.Info("generated fallback hardware id",
		slog.String("hardware_id", id),
		slog.String("path", r.fallbackPath),
	)
	return id, nil
}

// primaryMAC returns the MAC of the first up, non-loopback interface.
func primaryMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	// Fallback: any interface with a MAC address.
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

func normalizedHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// cpuIdentity returns an OS-specific CPU identifier. Best effort; the
// architecture string is always available as a last resort.
func cpuIdentity() string {
	switch runtime.GOOS {
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return shortHash(procID)
		}
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					return shortHash(line)
				}
			}
		}
	}
	return shortHash(fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH))
}

func shortHash(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:8])
}
