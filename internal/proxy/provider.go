package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxListBytes bounds how much of a provider response is read. Proxy
// lists are small text files; anything larger is a misconfigured URL.
const maxListBytes = 1 << 20

// Provider supplies candidate proxy URLs from an external source.
type Provider interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Prober checks that a candidate proxy can reach an exchange endpoint.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) error
}

// HTTPProvider downloads plain-text proxy lists, one proxy per line.
// Blank lines and lines starting with '#' are skipped. Bare host:port
// lines are treated as HTTP proxies; socks5:// URLs pass through.
type HTTPProvider struct {
	sources []string
	client  *http.Client
}

// NewHTTPProvider creates a provider reading from the given list URLs.
func NewHTTPProvider(sources []string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		sources: sources,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch downloads every source and returns the deduplicated union. A
// dead source does not sink the others; Fetch only fails when every
// source failed and nothing was collected.
func (hp *HTTPProvider) Fetch(ctx context.Context) ([]string, error) {
	var (
		out  []string
		seen = make(map[string]bool)
		errs []error
	)
	for i, src := range hp.sources {
		lines, err := hp.fetchOne(ctx, src)
		if err != nil {
			// Source URLs can carry provider API keys, so errors name
			// the source by index only.
			errs = append(errs, fmt.Errorf("proxy: provider %d: %w", i, err))
			continue
		}
		for _, ln := range lines {
			if !seen[ln] {
				seen[ln] = true
				out = append(out, ln)
			}
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (hp *HTTPProvider) fetchOne(ctx context.Context, src string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hp.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, err
	}
	return parseList(string(body)), nil
}

// parseList extracts proxy URLs from a plain-text list, dropping lines
// that do not parse to a URL with a host.
func parseList(body string) []string {
	var out []string
	for _, ln := range strings.Split(body, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		if !strings.Contains(ln, "://") {
			ln = "http://" + ln
		}
		u, err := url.Parse(ln)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.String())
	}
	return out
}

// HTTPProber verifies a proxy by routing a GET for probeURL through it
// and requiring a 2xx response.
type HTTPProber struct {
	probeURL string
	timeout  time.Duration
}

// NewHTTPProber creates a prober that fetches probeURL through each
// candidate proxy.
func NewHTTPProber(probeURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{probeURL: probeURL, timeout: timeout}
}

// Probe implements Prober.
func (hp *HTTPProber) Probe(ctx context.Context, proxyURL string) error {
	pu, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parse %s: %w", redactURL(proxyURL), err)
	}

	transport := &http.Transport{
		Proxy:             http.ProxyURL(pu),
		DisableKeepAlives: true,
	}
	client := &http.Client{Timeout: hp.timeout, Transport: transport}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hp.probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// redactURL strips userinfo from a proxy URL so credentials never
// reach the logs. The marker is spliced in as a literal because
// url.URL would percent-encode it.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	if u.User == nil {
		return u.String()
	}
	u.User = nil
	return strings.Replace(u.String(), "://", "://***@", 1)
}
