package admission

import (
	"net/netip"

	"github.com/kadirpekel/tollgate/pkg/config"
)

// IPFilter holds parsed allow and deny lists.
type IPFilter struct {
	whitelistEnabled bool
	whitelist        []netip.Prefix
	blacklistEnabled bool
	blacklist        []netip.Prefix
}

// NewIPFilter parses the configured lists.
func NewIPFilter(cfg *config.IPFilterConfig) (*IPFilter, error) {
	f := &IPFilter{
		whitelistEnabled: cfg.WhitelistEnabled,
		blacklistEnabled: cfg.BlacklistEnabled,
	}
	var err error
	if f.whitelist, err = parsePrefixes(cfg.Whitelist); err != nil {
		return nil, err
	}
	if f.blacklist, err = parsePrefixes(cfg.Blacklist); err != nil {
		return nil, err
	}
	return f, nil
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		p, err := config.ParsePrefix(e)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Check applies the blacklist, then the whitelist. An unparseable IP is
// never on a list, so it passes the blacklist and fails an enabled whitelist.
func (f *IPFilter) Check(ip string) *Rejection {
	if f == nil {
		return nil
	}
	addr, err := netip.ParseAddr(ip)
	valid := err == nil
	if valid {
		addr = addr.Unmap()
	}

	if f.blacklistEnabled && valid && contains(f.blacklist, addr) {
		return reject(CodeIPBlacklisted, "Access denied")
	}
	if f.whitelistEnabled && (!valid || !contains(f.whitelist, addr)) {
		return reject(CodeIPNotWhitelisted, "Access denied")
	}
	return nil
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
