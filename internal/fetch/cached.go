package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// CachedEnvelope is the JSON a cached task's URL resolves to: the real
// media URL plus request decoration for the media fetch.
type CachedEnvelope struct {
	URL       string `json:"url"`
	UserAgent string `json:"user_agent,omitempty"`
	Referer   string `json:"referer,omitempty"`
	Cookie    string `json:"cookie,omitempty"`
	Proxy     string `json:"proxy,omitempty"`
}

// Decorate applies the envelope's request fields to a header.
func (e *CachedEnvelope) Decorate(header http.Header) {
	if e.UserAgent != "" {
		header.Set("User-Agent", e.UserAgent)
	}
	if e.Referer != "" {
		header.Set("Referer", e.Referer)
	}
	if e.Cookie != "" {
		header.Set("Cookie", e.Cookie)
	}
}

// ResolveCached performs the preflight GET for a cached task and parses
// the envelope. The transfer goes through the driver like any other.
func (d *Driver) ResolveCached(ctx context.Context, url string, header http.Header) (*CachedEnvelope, error) {
	var (
		body bytes.Buffer
		mu   sync.Mutex
	)
	h := NewHandle(url)
	for k, vs := range header {
		h.Header[k] = vs
	}
	h.Write = func(p []byte) bool {
		mu.Lock()
		body.Write(p)
		mu.Unlock()
		return false
	}

	done := make(chan Result, 1)
	if err := d.Add(h, func(res Result) { done <- res }); err != nil {
		return nil, err
	}

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		d.Cancel(h)
		<-done
		return nil, ctx.Err()
	}
	if res.Code != CodeOK {
		return nil, fmt.Errorf("resolve cached url: %s (%s)", res.Code, res.Message)
	}

	mu.Lock()
	defer mu.Unlock()
	var env CachedEnvelope
	if err := json.Unmarshal(body.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("parse cached envelope: %w", err)
	}
	if env.URL == "" {
		return nil, fmt.Errorf("cached envelope has no url")
	}
	return &env, nil
}
