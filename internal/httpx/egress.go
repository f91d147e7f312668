package httpx

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"aigen/internal/domain"
	"aigen/internal/infra/geoip"
)

// domesticHosts are provider hosts reachable without the outbound proxy.
// This is the initial table for the auto policy; per-config proxy_policy can
// override it in either direction.
var domesticHosts = []string{
	"grsai.dakka.com.cn",
	"t8star.cn",
	"ai.t8star.cn",
}

// t8starHosts trigger the adapters' endpoint rewrites for migrated configs.
var t8starHosts = []string{
	"t8star.cn",
	"ai.t8star.cn",
}

// Timeouts carries the per-call HTTP timeout pair.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// DefaultTimeouts applies to async provider calls.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 10 * time.Second, Read: 300 * time.Second}
}

// SyncTimeouts applies to declared sync APIs where the response carries the
// final artifact.
func SyncTimeouts() Timeouts {
	return Timeouts{Connect: 150 * time.Second, Read: 480 * time.Second}
}

// Egress decides proxy routing per destination host and builds HTTP clients.
type Egress struct {
	proxy    *url.URL
	geo      geoip.CountryResolver
	logger   zerolog.Logger
	lookupIP func(host string) ([]net.IP, error)
}

// NewEgress parses the optional proxy URL and wires the optional GeoIP
// resolver used by the auto policy.
func NewEgress(proxyURL string, geo geoip.CountryResolver, logger zerolog.Logger) (*Egress, error) {
	e := &Egress{geo: geo, logger: logger, lookupIP: net.LookupIP}
	if strings.TrimSpace(proxyURL) != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("egress: parse proxy url: %w", err)
		}
		e.proxy = parsed
	}
	return e, nil
}

// Client builds an HTTP client for the given destination host, honouring the
// config's proxy policy and the timeout pair.
func (e *Egress) Client(host string, policy domain.ProxyPolicy, t Timeouts) *http.Client {
	proxy := e.ProxyFor(host, policy)
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   t.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{Transport: transport, Timeout: t.Read}
}

// ProxyFor returns the proxy URL to use for host, or nil for direct egress.
// Environment proxies must never apply to loopback/RFC1918 hosts regardless
// of policy, so private hosts short-circuit before force_on.
func (e *Egress) ProxyFor(host string, policy domain.ProxyPolicy) *url.URL {
	host = Hostname(host)
	if IsPrivateHost(host) {
		return nil
	}
	switch policy {
	case domain.ProxyPolicyForceOff:
		return nil
	case domain.ProxyPolicyForceOn:
		return e.proxy
	}
	if IsDomesticHost(host) {
		return nil
	}
	if e.isDomesticByGeo(host) {
		return nil
	}
	return e.proxy
}

func (e *Egress) isDomesticByGeo(host string) bool {
	if e.geo == nil || e.lookupIP == nil {
		return false
	}
	ips, err := e.lookupIP(host)
	if err != nil || len(ips) == 0 {
		return false
	}
	country, err := e.geo.CountryCode(ips[0].String())
	if err != nil {
		return false
	}
	if strings.EqualFold(country, "CN") {
		e.logger.Debug().Str("host", host).Msg("egress: geoip classified host as domestic")
		return true
	}
	return false
}

// Hostname strips a scheme/port from a raw URL or host:port string.
func Hostname(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

// IsDomesticHost matches the hard-coded domestic allowlist by suffix.
func IsDomesticHost(host string) bool {
	host = strings.ToLower(Hostname(host))
	for _, d := range domesticHosts {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// IsT8StarHost reports whether the host belongs to T8Star, which requires
// adapter-level endpoint normalization.
func IsT8StarHost(host string) bool {
	host = strings.ToLower(Hostname(host))
	for _, d := range t8starHosts {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// IsPrivateHost reports whether host is loopback, RFC1918, or a local name.
func IsPrivateHost(host string) bool {
	host = strings.ToLower(Hostname(host))
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
