package probe

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/zeebo/xxh3"

	"github.com/iris-measurement/iris/internal/targets"
)

// Defaults for flow-to-probe mapping.
const (
	DefaultSrcPortBase    = 24000
	DefaultDstPort        = 33434
	DefaultFlowsPerPrefix = 6
)

// Generator decides which probes to send for round 1. It stands in for the
// adaptive-stopping oracle, which also owns the probes files consumed by
// later rounds.
type Generator interface {
	Generate(ts []targets.Target) ([]Probe, error)
}

// FlowGenerator derives a deterministic probe stream from the cross product
// of targets, TTL range and flows. Destination addresses within a prefix
// are scattered with a seeded hash so repeated measurements of the same
// prefix do not always hit the .0 host.
type FlowGenerator struct {
	// FlowsPerPrefix is how many flows probe each target network at each TTL.
	FlowsPerPrefix int
	// SrcPortBase is the first source port used for flow separation once
	// the prefix's address space is exhausted.
	SrcPortBase int
	// DstPort is the destination port for udp probes.
	DstPort int
	// Seed scatters destination offsets; the same seed reproduces the
	// same stream.
	Seed uint64
}

// NewFlowGenerator returns a generator with default flow mapping.
func NewFlowGenerator(seed uint64) *FlowGenerator {
	return &FlowGenerator{
		FlowsPerPrefix: DefaultFlowsPerPrefix,
		SrcPortBase:    DefaultSrcPortBase,
		DstPort:        DefaultDstPort,
		Seed:           seed,
	}
}

// Generate expands each target into per-TTL, per-flow probe records.
func (g *FlowGenerator) Generate(ts []targets.Target) ([]Probe, error) {
	var probes []Probe

	for _, target := range ts {
		hostBits := target.Network.Addr().BitLen() - target.Network.Bits()

		for ttl := target.MinTTL; ttl <= target.MaxTTL; ttl++ {
			for flow := 0; flow < g.FlowsPerPrefix; flow++ {
				addr, srcPortOffset, err := g.flowAddr(target.Network, hostBits, flow)
				if err != nil {
					return nil, err
				}

				dstPort := g.DstPort
				if target.Protocol != targets.ProtocolUDP {
					dstPort = 0
				}

				probes = append(probes, Probe{
					DstAddr:  addr,
					SrcPort:  g.SrcPortBase + srcPortOffset,
					DstPort:  dstPort,
					TTL:      ttl,
					Protocol: target.Protocol,
				})
			}
		}
	}
	return probes, nil
}

// flowAddr maps a flow index to a destination inside the prefix. Flows
// beyond the prefix's address space move to the source port instead,
// preserving one address+port pair per flow.
func (g *FlowGenerator) flowAddr(network netip.Prefix, hostBits, flow int) (netip.Addr, int, error) {
	// Prefixes wider than 2^32 hosts gain nothing from wider offsets.
	if hostBits > 32 {
		hostBits = 32
	}
	addrSpace := 1 << hostBits

	addrIndex := flow % addrSpace
	srcPortOffset := flow / addrSpace

	offset := g.flowOffset(network, addrIndex, uint64(addrSpace))
	addr, err := addAddrOffset(network.Addr(), offset)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return addr, srcPortOffset, nil
}

// flowOffset scatters a flow index over the prefix's host space with a
// seeded hash, keeping the mapping deterministic per (seed, prefix, flow).
func (g *FlowGenerator) flowOffset(network netip.Prefix, flow int, addrSpace uint64) uint64 {
	if addrSpace <= 1 {
		return 0
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(flow))
	h := xxh3.HashSeed([]byte(network.String()+string(buf[:])), g.Seed)
	return h % addrSpace
}

func addAddrOffset(addr netip.Addr, offset uint64) (netip.Addr, error) {
	if addr.Is4() {
		v4 := addr.As4()
		base := binary.BigEndian.Uint32(v4[:])
		binary.BigEndian.PutUint32(v4[:], base+uint32(offset))
		return netip.AddrFrom4(v4), nil
	}

	v6 := addr.As16()
	low := binary.BigEndian.Uint64(v6[8:])
	sum := low + offset
	if sum < low {
		return netip.Addr{}, fmt.Errorf("address offset overflow for %s", addr)
	}
	binary.BigEndian.PutUint64(v6[8:], sum)
	return netip.AddrFrom16(v6), nil
}
