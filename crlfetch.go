package certbridge

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"
	"golang.org/x/net/idna"

	"github.com/certbridge/certbridge/internal/x509crl"
)

// fetchSSRFEnabled controls whether the SSRF-safe dialer is used for CRL
// downloads. Tests set this to false so httptest servers on 127.0.0.1 are
// reachable.
var fetchSSRFEnabled = true

// defaultMaxCRLBytes caps downloaded CRL size. Large CA lists run to a few
// megabytes; anything past this is treated as hostile.
const defaultMaxCRLBytes = 16 << 20

// defaultFetchTimeout bounds one download end to end.
const defaultFetchTimeout = 30 * time.Second

// fetchTransport is the http.RoundTripper used by Fetcher. HTTP/2 is
// negotiated when the server offers it.
var fetchTransport http.RoundTripper = newFetchTransport()

func newFetchTransport() *http.Transport {
	t := &http.Transport{DialContext: ssrfSafeDialContext}
	// Errors only when the transport is already configured; safe to ignore.
	_ = http2.ConfigureTransport(t)
	return t
}

// Fetcher downloads revocation lists from distribution point URLs. It
// refuses private destinations, follows a bounded number of redirects,
// undoes gzip/deflate/brotli content encoding, validates that the payload
// parses as a CRL, and upserts the result into an optional Store.
type Fetcher struct {
	Client   *http.Client
	Store    *Store // when set, fetched CRLs are cached by URL
	MaxBytes int64  // response size cap, defaults to defaultMaxCRLBytes
}

// NewFetcher creates a Fetcher with the default hardened client. store may
// be nil to fetch without caching.
func NewFetcher(store *Store) *Fetcher {
	return &Fetcher{
		Client: &http.Client{
			Timeout:       defaultFetchTimeout,
			Transport:     fetchTransport,
			CheckRedirect: checkCRLRedirect,
		},
		Store:    store,
		MaxBytes: defaultMaxCRLBytes,
	}
}

// checkCRLRedirect bounds redirect chains and re-applies the private
// destination check on every hop.
func checkCRLRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("too many redirects")
	}
	if fetchSSRFEnabled && isPrivateHostname(req.URL.String()) {
		return fmt.Errorf("redirect to private address is not allowed")
	}
	return nil
}

// Fetch downloads the CRL at rawURL and returns its bytes as served
// (DER or PEM). The payload must parse as a CRL; when the Fetcher has a
// Store, the validated list is upserted under rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}

	// Distribution points out of CA certificates may carry IDN hosts.
	if host := u.Hostname(); host != "" {
		puny, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("fetch: invalid host %q: %w", host, err)
		}
		if puny != host {
			if port := u.Port(); port != "" {
				u.Host = net.JoinHostPort(puny, port)
			} else {
				u.Host = puny
			}
		}
	}

	if fetchSSRFEnabled && isPrivateHostname(u.String()) {
		return nil, fmt.Errorf("fetch to private addresses is not allowed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: building request: %w", err)
	}
	req.Header.Set("Accept", "application/pkix-crl, application/x-pem-file, */*")
	// Set explicitly so all three encodings are offered; decoding is manual.
	req.Header.Set("Accept-Encoding", "br, gzip, deflate")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: %s returned status %d", rawURL, resp.StatusCode)
	}

	maxBytes := f.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxCRLBytes
	}

	body, err := readCapped(resp.Body, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch: reading %s: %w", rawURL, err)
	}

	body, err = decodeContentEncoding(body, resp.Header.Get("Content-Encoding"), maxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch: decoding %s: %w", rawURL, err)
	}

	if _, cerr := x509crl.Parse(body, sniffFormat(body)); cerr != nil {
		return nil, fmt.Errorf("fetch: %s did not return a CRL: %s", rawURL, cerr.Message)
	}

	if f.Store != nil {
		if err := f.Store.Put(rawURL, body); err != nil {
			return nil, fmt.Errorf("fetch: caching %s: %w", rawURL, err)
		}
	}

	return body, nil
}

// readCapped reads r to EOF, failing when the data exceeds maxBytes. A
// truncated CRL is useless, so oversize is an error rather than a cutoff.
func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

// decodeContentEncoding undoes the response content coding. The size cap is
// re-applied to the decompressed stream.
func decodeContentEncoding(data []byte, encoding string, maxBytes int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "br":
		return readCapped(brotli.NewReader(bytes.NewReader(data)), maxBytes)
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = r.Close() }()
		return readCapped(r, maxBytes)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = r.Close() }()
		return readCapped(r, maxBytes)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// isPrivateHostname performs a fast, non-resolving pre-check for obviously
// private hostnames and literal IP addresses. It does NOT resolve DNS; the
// actual SSRF protection happens in ssrfSafeDialContext at connect time.
func isPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true // block unparseable URLs
	}

	hostname := u.Hostname()
	if hostname == "" {
		return true
	}

	// Block known private hostnames.
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}

	// Block literal private IPs (no DNS resolution).
	if ip := net.ParseIP(hostname); ip != nil {
		return isPrivateIP(ip)
	}

	return false
}

// ssrfSafeDialContext is a custom DialContext that resolves DNS and validates
// the resolved IP against private ranges at actual connect time, preventing
// DNS rebinding / TOCTOU attacks.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	// Resolve DNS.
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}

	// Filter out private IPs.
	var safeIP net.IPAddr
	found := false
	for _, ip := range ips {
		if !isPrivateIP(ip.IP) {
			safeIP = ip
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("fetch to private addresses is not allowed")
	}

	// Connect to the validated IP directly.
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(safeIP.IP.String(), port))
}

// privateRanges is parsed once at init time to avoid repeated allocations
// on every isPrivateIP call.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		// IPv4 private and special-use ranges
		"0.0.0.0/8",       // "This" network (RFC 1122)
		"10.0.0.0/8",      // Private (RFC 1918)
		"100.64.0.0/10",   // Carrier-grade NAT (RFC 6598)
		"127.0.0.0/8",     // Loopback (RFC 1122)
		"169.254.0.0/16",  // Link-local (RFC 3927)
		"172.16.0.0/12",   // Private (RFC 1918)
		"192.0.0.0/24",    // IETF protocol assignments (RFC 6890)
		"192.0.2.0/24",    // Documentation TEST-NET-1 (RFC 5737)
		"192.168.0.0/16",  // Private (RFC 1918)
		"198.18.0.0/15",   // Benchmarking (RFC 2544)
		"198.51.100.0/24", // Documentation TEST-NET-2 (RFC 5737)
		"203.0.113.0/24",  // Documentation TEST-NET-3 (RFC 5737)
		"240.0.0.0/4",     // Reserved for future use (RFC 1112)
		// IPv6 private and special-use ranges
		"::1/128",   // Loopback
		"fc00::/7",  // Unique local address
		"fe80::/10", // Link-local
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

// isPrivateIP returns true if the IP is in a private, loopback, or
// link-local range.
func isPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
