// Package probe defines wire-ready probe records and the round-1 flow
// generator feeding the probing engine.
package probe

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/iris-measurement/iris/internal/targets"
)

// Probe is one wire-ready probe record: where to send it, on which flow,
// at which TTL.
type Probe struct {
	DstAddr  netip.Addr
	SrcPort  int
	DstPort  int
	TTL      int
	Protocol targets.Protocol
}

// Encode writes the record in the engine's probes-file form:
// destination,src_port,dst_port,ttl,protocol.
func (p Probe) Encode() string {
	return p.DstAddr.String() +
		"," + strconv.Itoa(p.SrcPort) +
		"," + strconv.Itoa(p.DstPort) +
		"," + strconv.Itoa(p.TTL) +
		"," + string(p.Protocol)
}

// WriteProbes streams probe records to w, one per line.
func WriteProbes(w io.Writer, probes []Probe) error {
	bw := bufio.NewWriter(w)
	for _, p := range probes {
		if _, err := bw.WriteString(p.Encode()); err != nil {
			return fmt.Errorf("failed to write probe: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write probe: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush probes: %w", err)
	}
	return nil
}
