// Package config parses grid-watcher's line-oriented key=value configuration
// file and validates the resulting DetectionConfig. The parser is grounded
// directly on the original grid_watcher's AppConfig::loadFromFile (comment
// lines starting with '#', blank lines skipped, first '=' splits key/value,
// both sides trimmed).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iolloyd/gridwatcher/internal/ipv4"
)

// DetectionConfig holds every recognized tunable, immutable once
// constructed by Default/Load (callers that want live updates use
// NewWatcher, whose Watcher hands them a freshly validated copy rather than
// mutating in place).
type DetectionConfig struct {
	PortScanThreshold           uint32
	PortScanWindow              time.Duration
	DosPacketThreshold          uint64
	DosByteThreshold            uint64
	DosWindow                   time.Duration
	WriteReadRatioThreshold     float64
	ExceptionRateThreshold      uint32
	PacketSizeDeviationThreshold float64
	AutoBlockEnabled            bool
	AutoBlockDuration           time.Duration
	MaxConcurrentBlocks         int
	WhitelistedIPs              []ipv4.Endpoint
	BlacklistedIPs              []ipv4.Endpoint
	MonitoredPorts              []uint16
}

// Default returns grid-watcher's out-of-the-box configuration, matching the
// original's DetectionConfig::createDefault().
func Default() DetectionConfig {
	return DetectionConfig{
		PortScanThreshold:            10,
		PortScanWindow:               10 * time.Second,
		DosPacketThreshold:           1000,
		DosByteThreshold:             10_000_000,
		DosWindow:                    5 * time.Second,
		WriteReadRatioThreshold:      5.0,
		ExceptionRateThreshold:       10,
		PacketSizeDeviationThreshold: 3.0,
		AutoBlockEnabled:             true,
		AutoBlockDuration:            60 * time.Minute,
		MaxConcurrentBlocks:          1000,
		MonitoredPorts:               []uint16{502, 20000},
	}
}

// Validate rejects a config that can never make sense, per spec.md §7(d)
// "Configuration errors — rejected at construction with a validation
// failure."
func (c DetectionConfig) Validate() error {
	switch {
	case c.PortScanThreshold == 0:
		return fmt.Errorf("config: port_scan_threshold must be > 0")
	case c.DosPacketThreshold == 0:
		return fmt.Errorf("config: dos_packet_threshold must be > 0")
	case c.DosByteThreshold == 0:
		return fmt.Errorf("config: dos_byte_threshold must be > 0")
	case c.MaxConcurrentBlocks == 0:
		return fmt.Errorf("config: max_concurrent_blocks must be > 0")
	case c.PortScanWindow <= 0:
		return fmt.Errorf("config: port_scan_window must be > 0")
	case c.DosWindow <= 0:
		return fmt.Errorf("config: dos_window must be > 0")
	case c.WriteReadRatioThreshold <= 0:
		return fmt.Errorf("config: write_read_ratio_threshold must be > 0")
	}
	return nil
}

// Load reads filename as line-oriented key=value pairs layered on top of
// Default(), then validates the result.
func Load(filename string) (DetectionConfig, error) {
	f, err := os.Open(filename)
	if err != nil {
		return DetectionConfig{}, fmt.Errorf("config: open %s: %w", filename, err)
	}
	defer f.Close()

	cfg := Default()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if err := applyKey(&cfg, key, value); err != nil {
			return DetectionConfig{}, fmt.Errorf("config: %s: %w", filename, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return DetectionConfig{}, fmt.Errorf("config: read %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return DetectionConfig{}, err
	}
	return cfg, nil
}

func applyKey(cfg *DetectionConfig, key, value string) error {
	switch key {
	case "port_scan_threshold":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid port_scan_threshold %q: %w", value, err)
		}
		cfg.PortScanThreshold = uint32(n)
	case "port_scan_window":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		cfg.PortScanWindow = d
	case "dos_packet_threshold":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid dos_packet_threshold %q: %w", value, err)
		}
		cfg.DosPacketThreshold = n
	case "dos_byte_threshold":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid dos_byte_threshold %q: %w", value, err)
		}
		cfg.DosByteThreshold = n
	case "dos_window":
		d, err := parseSeconds(value)
		if err != nil {
			return err
		}
		cfg.DosWindow = d
	case "write_read_ratio_threshold":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid write_read_ratio_threshold %q: %w", value, err)
		}
		cfg.WriteReadRatioThreshold = v
	case "exception_rate_threshold":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid exception_rate_threshold %q: %w", value, err)
		}
		cfg.ExceptionRateThreshold = uint32(n)
	case "packet_size_deviation_threshold":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid packet_size_deviation_threshold %q: %w", value, err)
		}
		cfg.PacketSizeDeviationThreshold = v
	case "auto_block_enabled":
		cfg.AutoBlockEnabled = value == "true" || value == "1"
	case "auto_block_duration":
		d, err := parseMinutes(value)
		if err != nil {
			return err
		}
		cfg.AutoBlockDuration = d
	case "max_concurrent_blocks":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid max_concurrent_blocks %q: %w", value, err)
		}
		cfg.MaxConcurrentBlocks = n
	case "whitelisted_ips":
		ips, err := parseIPList(value)
		if err != nil {
			return err
		}
		cfg.WhitelistedIPs = ips
	case "blacklisted_ips":
		ips, err := parseIPList(value)
		if err != nil {
			return err
		}
		cfg.BlacklistedIPs = ips
	case "monitored_ports":
		ports, err := parsePortList(value)
		if err != nil {
			return err
		}
		cfg.MonitoredPorts = ports
	default:
		// Unrecognized keys are ignored, matching the original loader's
		// silent skip of anything it doesn't recognize.
	}
	return nil
}

func parseSeconds(value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return time.Duration(n) * time.Second, nil
}

func parseMinutes(value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return time.Duration(n) * time.Minute, nil
}

func parseIPList(value string) ([]ipv4.Endpoint, error) {
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	out := make([]ipv4.Endpoint, 0, len(parts))
	for _, p := range parts {
		ep, err := ipv4.Parse(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func parsePortList(value string) ([]uint16, error) {
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	out := make([]uint16, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

// Watcher hot-reloads a config file, delivering a freshly validated
// DetectionConfig on every write. Built on fsnotify, following the same
// watch-and-reload pattern ddagunts-dfirewall uses for its own config and
// blacklist files.
type Watcher struct {
	watcher  *fsnotify.Watcher
	filename string
	Changes  chan DetectionConfig
	Errors   chan error
}

// NewWatcher starts watching filename for writes. Call Close to stop.
func NewWatcher(filename string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(filename); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filename, err)
	}

	w := &Watcher{
		watcher:  fw,
		filename: filename,
		Changes:  make(chan DetectionConfig, 1),
		Errors:   make(chan error, 1),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.filename)
			if err != nil {
				select {
				case w.Errors <- err:
				default:
				}
				continue
			}
			select {
			case w.Changes <- cfg:
			default:
				// Drop stale reload if the consumer hasn't drained the
				// previous one yet; the next write will supersede it.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
			}
		}
	}
}

// Close stops the watcher goroutine and releases its fsnotify handle.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
