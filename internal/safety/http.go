package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UserAgent is sent on every request made with a client from NewHTTPClient.
const UserAgent = "repoexport/0.1"

const maxRedirects = 5

// ErrBodyTooLarge is matched by BodyLimitError.
var ErrBodyTooLarge = errors.New("response body too large")

// BodyLimitError reports a body that ran past its read limit.
type BodyLimitError struct {
	Limit int64
}

func (e *BodyLimitError) Error() string {
	return fmt.Sprintf("body exceeds %d bytes", e.Limit)
}

func (e *BodyLimitError) Is(target error) bool {
	return target == ErrBodyTooLarge
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", UserAgent)
	return t.base.RoundTrip(clone)
}

// NewHTTPClient creates the client used for repository, index and webhook
// calls. Redirects are capped and may not downgrade https to http, since
// requests carry repository credentials.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: userAgentTransport{base: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
		}},
		CheckRedirect: checkRedirect,
	}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if via[0].URL.Scheme == "https" && req.URL.Scheme != "https" {
		return fmt.Errorf("refusing redirect from https to %s", req.URL.Scheme)
	}
	return nil
}

// ReadAllWithLimit reads r to the end and fails with a *BodyLimitError
// once more than limit bytes arrive.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &BodyLimitError{Limit: limit}
	}
	return data, nil
}

// ValidateHTTPURL parses an endpoint URL. It must be http(s) with a host
// and must not embed credentials; those belong in config fields.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	case u.Host == "":
		return nil, fmt.Errorf("URL host is required")
	case u.User != nil:
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}

// ValidateBaseURL checks a URL that published file names are joined onto.
// Queries and fragments would end up in the middle of every joined URL.
func ValidateBaseURL(raw string) (*url.URL, error) {
	u, err := ValidateHTTPURL(raw)
	if err != nil {
		return nil, err
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("base URL must not carry a query or fragment: %q", raw)
	}
	return u, nil
}

// IsLoopbackHost reports whether u points at this machine.
func IsLoopbackHost(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
