// Package remote reads resources from other exchange servers in the
// federation.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

// ErrNotFound is returned when the remote server answers 404 or 410.
var ErrNotFound = errors.New("remote resource not found")

// Client reads from one remote server. Immutable once constructed, safe for
// concurrent use.
type Client struct {
	base string
	http *http.Client
	log  zerolog.Logger
}

func NewClient(base string, httpClient *http.Client, log zerolog.Logger) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: httpClient,
		log:  log.With().Str("component", "remote").Str("server", base).Logger(),
	}
}

// Base returns the server base URL this client talks to.
func (c *Client) Base() string { return c.base }

// Read fetches one resource. The transport credentials configured on the
// underlying http.Client identify this server as the caller; the remote side
// enforces its own authorization.
func (c *Client) Read(ctx context.Context, typ, id string) (fhir.Resource, error) {
	url := c.base + "/" + typ + "/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	defer resp.Body.Close()

	c.log.Debug().Str("target", typ+"/"+id).Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).Msg("remote read")

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("reading %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	r, err := fhir.ParseResource(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}
	if r.Type() != typ {
		return nil, fmt.Errorf("reading %s: got resourceType %s", url, r.Type())
	}
	return r, nil
}

// Factory builds a client for a server base URL. Construction must be cheap,
// it runs while the provider's lock is held.
type Factory func(serverBase string) (*Client, error)

// Provider hands out at most one client per server base URL. Lookup is a
// compute-if-absent under one short lock; the cached clients themselves are
// immutable, so they are shared freely afterwards.
type Provider struct {
	mu      sync.Mutex
	clients map[string]*Client
	factory Factory
}

func NewProvider(factory Factory) *Provider {
	return &Provider{clients: map[string]*Client{}, factory: factory}
}

// DefaultFactory builds plain HTTPS clients with the given timeout.
func DefaultFactory(timeout time.Duration, log zerolog.Logger) Factory {
	return func(serverBase string) (*Client, error) {
		if !strings.HasPrefix(serverBase, "https://") && !strings.HasPrefix(serverBase, "http://") {
			return nil, fmt.Errorf("remote server base %q is not an http(s) url", serverBase)
		}
		return NewClient(serverBase, &http.Client{Timeout: timeout}, log), nil
	}
}

// ClientFor returns the cached client for serverBase, creating it on first
// use.
func (p *Provider) ClientFor(serverBase string) (*Client, error) {
	key := strings.TrimSuffix(serverBase, "/")

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := p.factory(key)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}
