package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/pion/stun/v3"
)

// DefaultLookupURLs are plain-text "what is my IP" services, tried in order.
var DefaultLookupURLs = []string{
	"https://api.ipify.org",
	"https://icanhazip.com",
	"https://ipinfo.io/ip",
	"https://checkip.amazonaws.com",
}

// DefaultSTUNServers are consulted after every HTTP lookup has failed.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
}

const maxLookupBodyBytes = 256

var errNotIPv4 = errors.New("resolver: response is not an IPv4 literal")

// Lookup discovers the relay's public IPv4 address through an external
// service.
type Lookup interface {
	Name() string
	LookupIPv4(ctx context.Context) (netip.Addr, error)
}

// HTTPLookup fetches a plain-text IP address from URL.
type HTTPLookup struct {
	URL    string
	Client *http.Client
}

func (l HTTPLookup) Name() string { return l.URL }

func (l HTTPLookup) LookupIPv4(ctx context.Context) (netip.Addr, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return netip.Addr{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("resolver: %s returned status %d", l.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLookupBodyBytes))
	if err != nil {
		return netip.Addr{}, err
	}
	return parseIPv4Literal(string(body))
}

// STUNLookup sends a STUN binding request to Server (host:port) and reads the
// XOR-MAPPED-ADDRESS of the response.
type STUNLookup struct {
	Server string
}

func (l STUNLookup) Name() string { return "stun:" + l.Server }

func (l STUNLookup) LookupIPv4(ctx context.Context) (netip.Addr, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", l.Server)
	if err != nil {
		return netip.Addr{}, err
	}
	c, err := stun.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return netip.Addr{}, err
	}
	defer c.Close()

	// Closing the client fails the in-flight transaction.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	var (
		xorAddr stun.XORMappedAddress
		resErr  error
	)
	err = c.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(res stun.Event) {
		if res.Error != nil {
			resErr = res.Error
			return
		}
		resErr = xorAddr.GetFrom(res.Message)
	})
	if err != nil {
		return netip.Addr{}, err
	}
	if resErr != nil {
		if ctx.Err() != nil {
			return netip.Addr{}, ctx.Err()
		}
		return netip.Addr{}, resErr
	}
	ip, ok := netip.AddrFromSlice(xorAddr.IP)
	if !ok {
		return netip.Addr{}, errNotIPv4
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return netip.Addr{}, errNotIPv4
	}
	return ip, nil
}

// BuildLookups returns HTTP lookups for urls followed by STUN lookups for
// stunServers.
func BuildLookups(urls, stunServers []string, client *http.Client) []Lookup {
	out := make([]Lookup, 0, len(urls)+len(stunServers))
	for _, u := range urls {
		out = append(out, HTTPLookup{URL: u, Client: client})
	}
	for _, s := range stunServers {
		out = append(out, STUNLookup{Server: s})
	}
	return out
}

func parseIPv4Literal(raw string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil || !ip.Is4() {
		return netip.Addr{}, errNotIPv4
	}
	return ip, nil
}
