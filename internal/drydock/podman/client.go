package podman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

// apiVersion is the versioned prefix both the libpod and the
// docker-compatible endpoint families are served under.
const apiVersion = "v4.0.0"

// apiClient speaks Podman's HTTP API over a local socket or TCP
// endpoint. It only knows how to shape requests; interpreting the
// responses is left to the runtime and builder.
type apiClient struct {
	address string
	base    *url.URL
	http    *http.Client
}

func dialAPI(address string) (*apiClient, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, errors.New("podman address is required")
	}
	base, transport, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		address: addr,
		base:    base,
		// Log follows hold the connection open indefinitely, so the
		// client itself carries no timeout; callers bound requests
		// through their context.
		http: &http.Client{Transport: transport},
	}, nil
}

func (c *apiClient) ping(ctx context.Context) error {
	res, err := c.get(ctx, "/libpod/info", nil)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return apiError(res)
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, endpoint string, query url.Values) (*http.Response, error) {
	return c.roundTrip(ctx, http.MethodGet, endpoint, query, nil, "")
}

func (c *apiClient) post(ctx context.Context, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	return c.roundTrip(ctx, http.MethodPost, endpoint, query, body, contentType)
}

func (c *apiClient) del(ctx context.Context, endpoint string, query url.Values) (*http.Response, error) {
	return c.roundTrip(ctx, http.MethodDelete, endpoint, query, nil, "")
}

func (c *apiClient) roundTrip(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if c == nil || c.http == nil || c.base == nil {
		return nil, errors.New("podman client not initialized")
	}
	target, err := c.endpointURL(endpoint, query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

// endpointURL resolves an endpoint against the API version prefix. An
// empty path segment is rejected rather than silently collapsed by
// path.Join, which would otherwise turn /containers//stop into a
// request for a different route.
func (c *apiClient) endpointURL(endpoint string, query url.Values) (string, error) {
	trimmed := strings.Trim(endpoint, "/")
	if trimmed == "" {
		return "", errors.New("podman endpoint is required")
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" {
			return "", fmt.Errorf("podman endpoint %q has an empty path segment", endpoint)
		}
	}
	target := *c.base
	target.Path = path.Join("/", apiVersion, trimmed)
	if query != nil {
		target.RawQuery = query.Encode()
	}
	return target.String(), nil
}

func parseAddress(addr string) (*url.URL, *http.Transport, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		socket := strings.TrimPrefix(addr, "unix://")
		if socket == "" {
			return nil, nil, errors.New("podman unix socket path is required")
		}
		return unixTransport(socket)
	case strings.HasPrefix(addr, "tcp://"):
		return tcpTransport("http://" + strings.TrimPrefix(addr, "tcp://"))
	case strings.Contains(addr, "://"):
		return tcpTransport(addr)
	default:
		return tcpTransport("http://" + addr)
	}
}

func unixTransport(socket string) (*url.URL, *http.Transport, error) {
	transport := &http.Transport{
		DisableCompression: true,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socket)
		},
	}
	// The host portion is a placeholder; the dialer ignores it.
	base, _ := url.Parse("http://unix")
	return base, transport, nil
}

func tcpTransport(addr string) (*url.URL, *http.Transport, error) {
	base, err := url.Parse(addr)
	if err != nil {
		return nil, nil, err
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return base, transport, nil
}

// apiError drains the response body into an error that keeps the HTTP
// status visible, since podman reports distinct conditions (already
// stopped, no such container) purely through status codes.
func apiError(res *http.Response) error {
	if res == nil {
		return errors.New("podman API error")
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("podman API error: %s", res.Status)
	}
	return fmt.Errorf("podman API error (%s): %s", res.Status, msg)
}

func candidateAddresses(primary string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir != "" {
		add("unix://" + path.Join(runtimeDir, "podman", "podman.sock"))
	}
	userRunDir := path.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add("unix://" + path.Join(userRunDir, "podman", "podman.sock"))
	}
	add("unix:///run/podman/podman.sock")
	return out
}

// escapeImagePath escapes an image reference for use in an endpoint
// path while keeping the repository separators intact.
func escapeImagePath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.ReplaceAll(url.PathEscape(value), "%2F", "/")
}
