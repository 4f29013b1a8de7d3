package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAttemptTimeout = 3 * time.Second
	DefaultCacheTTL       = 5 * time.Minute
)

// Source names the fallback step that produced a visible address.
type Source string

const (
	SourceBound      Source = "bound"
	SourceExternal   Source = "external_lookup"
	SourcePublicHost Source = "public_host"
	SourceHostHint   Source = "host_hint"
	SourceInterface  Source = "interface"
	SourceLoopback   Source = "loopback"
)

// ErrResolutionExhausted is logged when no fallback step produced an address
// and the resolver settled on loopback.
var ErrResolutionExhausted = errors.New("resolver: no externally visible address found")

// InterfaceLister enumerates local network interfaces. *stdnet.Net and
// *vnet.Net both satisfy it.
type InterfaceLister interface {
	Interfaces() ([]*transport.Interface, error)
}

type Config struct {
	Lookups []Lookup
	// PublicHost is an operator-configured hostname or IP (PUBLIC_HOST or the
	// platform's public domain).
	PublicHost     string
	AttemptTimeout time.Duration
	CacheTTL       time.Duration
	Interfaces     InterfaceLister
	Logger         *slog.Logger
}

// Resolver turns a bound UDP address into the address a client should
// advertise to its peers.
type Resolver struct {
	cfg Config
	log *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	cached    netip.Addr
	cachedAt  time.Time
	haveCache bool

	now func() time.Time
}

func New(cfg Config) *Resolver {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interfaces == nil {
		if n, err := stdnet.NewNet(); err == nil {
			cfg.Interfaces = n
		} else {
			log.Warn("interface_enumeration_unavailable", "err", err)
		}
	}
	return &Resolver{cfg: cfg, log: log, now: time.Now}
}

// ResolveVisibleAddress returns the address to report as a session's
// localAddress. It never fails; the last resort is 127.0.0.1.
func (r *Resolver) ResolveVisibleAddress(ctx context.Context, bound netip.Addr, hostHint string) string {
	addr, _ := r.Resolve(ctx, bound, hostHint)
	return addr
}

// Resolve is ResolveVisibleAddress that also reports which fallback step won.
//
// A concrete bound address is returned unchanged. For a wildcard bind the
// order is: external lookups (HTTP then STUN, IPv4 literals only), the
// configured public host, the Host header hint unless it is loopback, the
// first non-loopback IPv4 interface address, and finally 127.0.0.1.
func (r *Resolver) Resolve(ctx context.Context, bound netip.Addr, hostHint string) (string, Source) {
	if bound.IsValid() && !bound.IsUnspecified() {
		return bound.Unmap().String(), SourceBound
	}

	if ip, ok := r.externalIPv4(ctx); ok {
		return ip.String(), SourceExternal
	}
	if host := strings.TrimSpace(r.cfg.PublicHost); host != "" {
		return host, SourcePublicHost
	}
	if host := normalizeHostHint(hostHint); host != "" {
		return host, SourceHostHint
	}
	if ip, ok := r.firstInterfaceIPv4(); ok {
		return ip.String(), SourceInterface
	}

	r.log.Warn("public_address_resolution_exhausted", "err", ErrResolutionExhausted, "fallback", loopbackIPv4.String())
	return loopbackIPv4.String(), SourceLoopback
}

// externalIPv4 runs the configured lookups in order. Results (including a
// negative result) are cached for CacheTTL, and concurrent callers share one
// in-flight resolution.
func (r *Resolver) externalIPv4(ctx context.Context) (netip.Addr, bool) {
	if len(r.cfg.Lookups) == 0 {
		return netip.Addr{}, false
	}
	if ip, ok := r.cachedExternal(); ok {
		return ip, ip.IsValid()
	}

	ch := r.group.DoChan("external", func() (any, error) {
		ip := r.runLookups()
		r.storeExternal(ip)
		return ip, nil
	})
	select {
	case res := <-ch:
		ip, _ := res.Val.(netip.Addr)
		return ip, ip.IsValid()
	case <-ctx.Done():
		return netip.Addr{}, false
	}
}

func (r *Resolver) runLookups() netip.Addr {
	for _, l := range r.cfg.Lookups {
		// Detached from the caller: the result is shared with every waiter.
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AttemptTimeout)
		ip, err := l.LookupIPv4(ctx)
		cancel()
		if err != nil {
			r.log.Debug("public_ip_lookup_failed", "lookup", l.Name(), "err", err)
			continue
		}
		r.log.Info("public_ip_lookup_succeeded", "lookup", l.Name(), "ip", ip.String())
		return ip
	}
	r.log.Warn("public_ip_lookup_exhausted", "attempts", len(r.cfg.Lookups))
	return netip.Addr{}
}

func (r *Resolver) cachedExternal() (netip.Addr, bool) {
	if r.cfg.CacheTTL <= 0 {
		return netip.Addr{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.haveCache || r.now().Sub(r.cachedAt) >= r.cfg.CacheTTL {
		return netip.Addr{}, false
	}
	return r.cached, true
}

func (r *Resolver) storeExternal(ip netip.Addr) {
	if r.cfg.CacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	r.cached = ip
	r.cachedAt = r.now()
	r.haveCache = true
	r.mu.Unlock()
}

func (r *Resolver) firstInterfaceIPv4() (netip.Addr, bool) {
	if r.cfg.Interfaces == nil {
		return netip.Addr{}, false
	}
	ifaces, err := r.cfg.Interfaces.Interfaces()
	if err != nil {
		r.log.Debug("interface_enumeration_failed", "err", err)
		return netip.Addr{}, false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.Is4() && !addr.IsLoopback() && !addr.IsUnspecified() && !addr.IsLinkLocalUnicast() {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

// normalizeHostHint strips any port from an HTTP Host value and drops
// loopback names.
func normalizeHostHint(hint string) string {
	host := strings.TrimSpace(hint)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return ""
	}
	if ip, err := netip.ParseAddr(host); err == nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return ""
	}
	return host
}
