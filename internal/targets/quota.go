package targets

import (
	"fmt"
	"math"
	"net/netip"
)

// Default accounting granularities: one quota unit is a /24 for IPv4 and a
// /64 for IPv6. Ping-style tools account per address instead (/32, /128).
const (
	DefaultPrefixLen4 = 24
	DefaultPrefixLen6 = 64
)

// CountPrefixes returns how many accounting units the networks span: each
// network counts as the number of len4 (IPv4) or len6 (IPv6) prefixes it
// contains. A network more specific than its accounting length is an error.
func CountPrefixes(networks []netip.Prefix, len4, len6 int) (int, error) {
	count := 0
	for _, network := range networks {
		accountingLen := len4
		if network.Addr().Is6() {
			accountingLen = len6
		}
		if network.Bits() > accountingLen {
			return 0, fmt.Errorf("%w: %s with accounting length /%d", ErrPrefixTooLong, network, accountingLen)
		}

		// Wide IPv6 targets (::/0 under /64 accounting, anything wider
		// than /64 under per-address accounting) span more units than an
		// int can hold. Saturate so they always exceed any finite quota.
		span := accountingLen - network.Bits()
		if span >= 62 {
			return math.MaxInt, nil
		}
		units := 1 << span
		if count > math.MaxInt-units {
			return math.MaxInt, nil
		}
		count += units
	}
	return count, nil
}

// CheckQuota verifies the targets fit within the user quota, using the
// given accounting granularity.
func CheckQuota(ts []Target, quota, len4, len6 int) error {
	networks := make([]netip.Prefix, 0, len(ts))
	for _, t := range ts {
		networks = append(networks, t.Network)
	}

	n, err := CountPrefixes(networks, len4, len6)
	if err != nil {
		return err
	}
	if n > quota {
		return fmt.Errorf("%w: %d prefixes over a quota of %d", ErrQuotaExceeded, n, quota)
	}
	return nil
}
