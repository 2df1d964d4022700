package webhooks

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"
)

var errPrivateTarget = errors.New("webhooks: target resolves to a private or reserved address")

func validateURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhooks: invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhooks: url scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhooks: url has no host")
	}
	if u.User != nil {
		return errors.New("webhooks: url must not carry credentials")
	}
	if allowPrivate {
		return nil
	}
	if host == "localhost" {
		return errPrivateTarget
	}
	if ip, err := netip.ParseAddr(host); err == nil && blocked(ip) {
		return errPrivateTarget
	}
	return nil
}

func blocked(ip netip.Addr) bool {
	ip = ip.Unmap()
	return !ip.IsValid() || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast()
}

// newClient checks the resolved address at dial time, so hostnames that
// resolve into private ranges are refused as well as literal IPs.
func newClient(allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if !allowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip, err := netip.ParseAddr(host)
			if err != nil || blocked(ip) {
				return errPrivateTarget
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil
	return &http.Client{
		Transport: transport,
		Timeout:   deliveryTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
