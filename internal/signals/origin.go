// Package signals provides origin risk classifiers for client IP addresses.
package signals

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// StaticOriginSignal classifies addresses against configured CIDR lists.
// Suspicious networks take precedence over VPN networks.
type StaticOriginSignal struct {
	suspicious []netip.Prefix
	vpn        []netip.Prefix
}

// NewStaticOriginSignal parses the configured suspicious and VPN networks
func NewStaticOriginSignal(suspiciousCIDRs, vpnCIDRs []string) (*StaticOriginSignal, error) {
	suspicious, err := parsePrefixes(suspiciousCIDRs)
	if err != nil {
		return nil, fmt.Errorf("invalid suspicious network: %w", err)
	}
	vpn, err := parsePrefixes(vpnCIDRs)
	if err != nil {
		return nil, fmt.Errorf("invalid vpn network: %w", err)
	}
	return &StaticOriginSignal{suspicious: suspicious, vpn: vpn}, nil
}

// Classify implements emergency.OriginSignal. Unparseable addresses are normal.
func (s *StaticOriginSignal) Classify(_ context.Context, ipAddress string) (emergency.OriginRisk, error) {
	addr, err := netip.ParseAddr(ipAddress)
	if err != nil {
		return emergency.OriginNormal, nil
	}
	addr = addr.Unmap()

	if containsAddr(s.suspicious, addr) {
		return emergency.OriginSuspicious, nil
	}
	if containsAddr(s.vpn, addr) {
		return emergency.OriginVPN, nil
	}
	return emergency.OriginNormal, nil
}

// Empty reports whether no networks are configured
func (s *StaticOriginSignal) Empty() bool {
	return len(s.suspicious) == 0 && len(s.vpn) == 0
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
