package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// parseYAML parses the specific two-level mapping used by config.yaml
func parseYAML(r io.Reader, cfg *Config) error {
	type section int
	const (
		none section = iota
		dispatch
		rest
		location
		sess
	)

	scanner := bufio.NewScanner(r)
	var cur section

	lineNo := 0
	seenTop := map[section]bool{}

	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()

		// strip comments
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			raw = raw[:i]
		}

		line := strings.TrimRight(raw, " \t\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		// top-level section? (no leading spaces)
		if line[0] != ' ' && line[0] != '\t' {
			var sec section
			switch strings.TrimSpace(line) {
			case "dispatch:":
				sec = dispatch
			case "rest:":
				sec = rest
			case "location:":
				sec = location
			case "session:":
				sec = sess
			default:
				return fmt.Errorf("line %d: unknown section %q", lineNo, strings.TrimSpace(line))
			}
			if seenTop[sec] {
				return fmt.Errorf("line %d: duplicate section %q", lineNo, strings.TrimSpace(line))
			}
			seenTop[sec] = true
			cur = sec
			continue
		}

		if cur == none {
			return fmt.Errorf("line %d: key outside of any section", lineNo)
		}

		key, value, ok := splitKV(line)
		if !ok {
			return fmt.Errorf("line %d: expected 'key: value'", lineNo)
		}

		var err error
		switch cur {
		case dispatch:
			err = setDispatch(cfg, key, value)
		case rest:
			err = setREST(cfg, key, value)
		case location:
			err = setLocation(cfg, key, value)
		case sess:
			err = setSession(cfg, key, value)
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}

	return scanner.Err()
}

func setDispatch(cfg *Config, key, value string) error {
	switch key {
	case "url":
		cfg.Dispatch.URL = value
	case "connect_timeout":
		return parseSeconds(value, &cfg.Dispatch.ConnectTimeout)
	case "heartbeat":
		return parseSeconds(value, &cfg.Dispatch.Heartbeat)
	case "liveness_window":
		return parseSeconds(value, &cfg.Dispatch.LivenessWindow)
	case "reconnect_base":
		return parseSeconds(value, &cfg.Dispatch.ReconnectBase)
	case "reconnect_cap":
		return parseSeconds(value, &cfg.Dispatch.ReconnectCap)
	case "reconnect_max":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("reconnect_max: %w", err)
		}
		cfg.Dispatch.ReconnectMax = n
	default:
		return fmt.Errorf("unknown dispatch key %q", key)
	}
	return nil
}

func setREST(cfg *Config, key, value string) error {
	switch key {
	case "base_url":
		cfg.REST.BaseURL = value
	case "timeout":
		return parseSeconds(value, &cfg.REST.Timeout)
	default:
		return fmt.Errorf("unknown rest key %q", key)
	}
	return nil
}

func setLocation(cfg *Config, key, value string) error {
	switch key {
	case "interval":
		return parseSeconds(value, &cfg.Location.Interval)
	case "min_distance_m":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("min_distance_m: %w", err)
		}
		cfg.Location.MinDistanceM = f
	case "assumed_speed_kmh":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("assumed_speed_kmh: %w", err)
		}
		cfg.Location.AssumedSpeedKmh = f
	default:
		return fmt.Errorf("unknown location key %q", key)
	}
	return nil
}

func setSession(cfg *Config, key, value string) error {
	switch key {
	case "resume_file":
		cfg.Session.ResumeFile = value
	default:
		return fmt.Errorf("unknown session key %q", key)
	}
	return nil
}

// parseSeconds converts an integer second count into a duration.
func parseSeconds(value string, out *time.Duration) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("expected integer seconds, got %q", value)
	}
	if n < 0 {
		return fmt.Errorf("seconds cannot be negative: %d", n)
	}
	*out = time.Duration(n) * time.Second
	return nil
}

// splitKV splits an indented "key: value" line.
func splitKV(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	i := strings.IndexByte(trimmed, ':')
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(trimmed[:i])
	value = strings.TrimSpace(trimmed[i+1:])
	value = strings.Trim(value, `"'`)
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}
