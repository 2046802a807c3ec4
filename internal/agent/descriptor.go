package agent

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/shirou/gopsutil/v4/host"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/iris-measurement/iris/internal/config"
	"github.com/iris-measurement/iris/internal/state"
	"github.com/iris-measurement/iris/pkg/version"
)

// Describe gathers the agent's static descriptor, published to the
// registry at registration time.
func Describe(ctx context.Context, cfg *config.AgentConfig) (state.Agent, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return state.Agent{}, fmt.Errorf("failed to read host info: %w", err)
	}

	return state.Agent{
		UUID:           cfg.UUID,
		Version:        version.Version,
		Hostname:       info.Hostname,
		IPAddress:      primaryAddress(ctx),
		MinTTL:         cfg.MinTTL,
		MaxProbingRate: cfg.MaxProbingRate,
	}, nil
}

// primaryAddress picks the first non-loopback, non-link-local interface
// address. An empty string means no usable address was found; the agent
// still registers.
func primaryAddress(ctx context.Context) string {
	ifaces, err := gopsnet.InterfacesWithContext(ctx)
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			prefix, err := netip.ParsePrefix(addr.Addr)
			if err != nil {
				continue
			}
			ip := prefix.Addr()
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return ""
}
