// Package httpclient builds the HTTP client used for platform calls. With
// the network guard on, connections to loopback, private, link-local and
// multicast addresses are refused at dial time, after DNS resolution, so a
// redirect or a rebinding hostname cannot reach inside the network.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/postpulse/errors"
)

// ErrBlocked marks requests refused by the network guard
var ErrBlocked = errors.New("destination blocked by network guard")

// Options configures New
type Options struct {
	Timeout             time.Duration
	BlockPrivateNetwork bool
	MaxRedirects        int // Default: 5
}

// New returns an http.Client with the configured guard
func New(opts Options) *http.Client {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if opts.BlockPrivateNetwork {
		transport.Proxy = nil
		transport.DialContext = guardedDial(dialer)
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
			}
			if opts.BlockPrivateNetwork {
				if err := CheckURL(req.URL); err != nil {
					return errors.Wrap(err, "redirect refused")
				}
			}
			return nil
		},
	}
}

// guardedDial resolves the host itself and dials the first permitted address
func guardedDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrap(err, "invalid address")
		}

		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve host %q", host)
		}
		for _, ip := range ips {
			if IsPrivate(ip) {
				return nil, errors.Mark(errors.Newf("%s resolves to private address %s", host, ip), ErrBlocked)
			}
		}

		// Dial the vetted address, not the hostname, so a second lookup
		// cannot return something else
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}

// CheckURL rejects URLs the guard would refuse before any DNS lookup
func CheckURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Mark(errors.Newf("scheme %q not allowed", u.Scheme), ErrBlocked)
	}
	if u.User != nil {
		return errors.Mark(errors.New("credentials in URL not allowed"), ErrBlocked)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("URL has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errors.Mark(errors.Newf("host %s not allowed", host), ErrBlocked)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivate(ip) {
		return errors.Mark(errors.Newf("private address %s not allowed", host), ErrBlocked)
	}
	return nil
}

// IsPrivate reports whether ip is loopback, private, link-local, multicast,
// unspecified, or otherwise not publicly routable.
func IsPrivate(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 0.0.0.0/8 and 240.0.0.0/4
		return ip4[0] == 0 || ip4[0] >= 240
	}
	// fec0::/10 site-local (deprecated) and 2001:db8::/32 documentation
	return (ip[0] == 0xfe && ip[1]&0xc0 == 0xc0) ||
		(ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8)
}
