// Package config parses the key = value configuration lines spec.md 6
// names: Network.UseDHCP and the static Network.LocalIP/Netmask/Gateway
// triple, plus per-interface NetworkInterface.<i>.* overrides. Kept on
// the standard library deliberately -- see DESIGN.md for why no
// third-party format library earns a place here.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"wire"
)

// / Network holds the top-level network keys.
type Network struct {
	UseDHCP bool
	LocalIP wire.Addr
	Netmask wire.Addr
	Gateway wire.Addr
}

// / InterfaceOverride holds one NetworkInterface.<i>.* block, indexed by
// / its integer suffix.
type InterfaceOverride struct {
	Index   int
	UseDHCP *bool
	LocalIP *wire.Addr
	Netmask *wire.Addr
	Gateway *wire.Addr
}

// / Config is the parsed form of every recognized key.
type Config struct {
	Network    Network
	Interfaces map[int]*InterfaceOverride
}

// / Parse reads key = value lines from r. Blank lines and lines starting
// / with '#' are ignored. Unrecognized keys are rejected -- a typo in a
// / boot-time config file should fail loudly, not silently no-op.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{Interfaces: make(map[int]*InterfaceOverride)}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := cfg.apply(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	if strings.HasPrefix(key, "NetworkInterface.") {
		return c.applyInterfaceOverride(key, value)
	}

	switch key {
	case "Network.UseDHCP":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Network.UseDHCP = b
	case "Network.LocalIP":
		addr, err := parseAddr(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Network.LocalIP = addr
	case "Network.Netmask":
		addr, err := parseAddr(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Network.Netmask = addr
	case "Network.Gateway":
		addr, err := parseAddr(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.Network.Gateway = addr
	default:
		return fmt.Errorf("unrecognized key %q", key)
	}
	return nil
}

// applyInterfaceOverride parses NetworkInterface.<i>.<Field> = value.
func (c *Config) applyInterfaceOverride(key, value string) error {
	rest := strings.TrimPrefix(key, "NetworkInterface.")
	idxStr, field, ok := strings.Cut(rest, ".")
	if !ok {
		return fmt.Errorf("malformed interface key %q", key)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return fmt.Errorf("bad interface index in %q: %w", key, err)
	}
	o, ok := c.Interfaces[idx]
	if !ok {
		o = &InterfaceOverride{Index: idx}
		c.Interfaces[idx] = o
	}

	switch field {
	case "UseDHCP":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		o.UseDHCP = &b
	case "LocalIP":
		addr, err := parseAddr(value)
		if err != nil {
			return err
		}
		o.LocalIP = &addr
	case "Netmask":
		addr, err := parseAddr(value)
		if err != nil {
			return err
		}
		o.Netmask = &addr
	case "Gateway":
		addr, err := parseAddr(value)
		if err != nil {
			return err
		}
		o.Gateway = &addr
	default:
		return fmt.Errorf("unrecognized interface field %q", field)
	}
	return nil
}

func parseAddr(s string) (wire.Addr, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("bad dotted-quad %q", s)
	}
	b := make([]byte, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("bad octet %q in %q", p, s)
		}
		b[i] = byte(n)
	}
	return wire.ParseAddr(b), nil
}
