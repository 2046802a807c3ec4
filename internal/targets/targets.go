// Package targets parses and validates measurement target files.
//
// The standard format is one record per line:
//
//	target,protocol,min_ttl,max_ttl
//
// where target is an IPv4/IPv6 network or address, protocol is one of icmp,
// icmp6 or udp, and both TTL bounds lie in (0, 255]. A legacy bare
// prefix-list format (one network per line) is also accepted by tools that
// opt into it; that form requires a maximum prefix length for quota
// accounting.
package targets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// Protocol is a probing protocol.
type Protocol string

// Supported probing protocols.
const (
	ProtocolICMP  Protocol = "icmp"
	ProtocolICMP6 Protocol = "icmp6"
	ProtocolUDP   Protocol = "udp"
)

// Validation errors. They are all rejected before any dispatch happens.
var (
	ErrEmptyFile       = errors.New("target file is empty")
	ErrBadProtocol     = errors.New("unsupported protocol")
	ErrBadTTL          = errors.New("ttl out of range")
	ErrPrefixTooLong   = errors.New("prefix more specific than the accounting length")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrMalformedRecord = errors.New("malformed target record")
)

// Target is one validated record of a target file.
type Target struct {
	Network  netip.Prefix
	Protocol Protocol
	MinTTL   int
	MaxTTL   int
}

// ParseProtocol validates a protocol name.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolICMP, ProtocolICMP6, ProtocolUDP:
		return Protocol(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadProtocol, s)
	}
}

// Parse reads and validates a standard-format target list. An empty list is
// an error.
func Parse(r io.Reader) ([]Target, error) {
	var out []Target

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		target, err := parseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, target)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read target file: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrEmptyFile
	}
	return out, nil
}

// ParseFile reads and validates a standard-format target file.
func ParseFile(path string) ([]Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open target file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func parseRecord(text string) (Target, error) {
	fields := strings.Split(text, ",")
	if len(fields) != 4 {
		return Target{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedRecord, len(fields))
	}

	network, err := parsePrefixOrAddr(strings.TrimSpace(fields[0]))
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	protocol, err := ParseProtocol(strings.TrimSpace(fields[1]))
	if err != nil {
		return Target{}, err
	}

	minTTL, err := parseTTL(strings.TrimSpace(fields[2]))
	if err != nil {
		return Target{}, err
	}
	maxTTL, err := parseTTL(strings.TrimSpace(fields[3]))
	if err != nil {
		return Target{}, err
	}

	return Target{
		Network:  network,
		Protocol: protocol,
		MinTTL:   minTTL,
		MaxTTL:   maxTTL,
	}, nil
}

// parsePrefixOrAddr accepts a network in CIDR form or a bare address, which
// becomes a single-address prefix.
func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parseTTL(s string) (int, error) {
	ttl, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadTTL, s)
	}
	if ttl <= 0 || ttl > 255 {
		return 0, fmt.Errorf("%w: %d not in (0, 255]", ErrBadTTL, ttl)
	}
	return ttl, nil
}

// ParseLegacy reads a bare prefix-list file: one IPv4/IPv6 network or
// address per line, nothing else. maxLen4 and maxLen6 bound how specific a
// prefix may be; the same lengths are used for quota accounting.
func ParseLegacy(r io.Reader, maxLen4, maxLen6 int) ([]netip.Prefix, error) {
	var out []netip.Prefix

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		prefix, err := parsePrefixOrAddr(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", line, ErrMalformedRecord, err)
		}
		maxLen := maxLen4
		if prefix.Addr().Is6() {
			maxLen = maxLen6
		}
		if prefix.Bits() > maxLen {
			return nil, fmt.Errorf("line %d: %w: /%d > /%d", line, ErrPrefixTooLong, prefix.Bits(), maxLen)
		}
		out = append(out, prefix)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read target file: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrEmptyFile
	}
	return out, nil
}
