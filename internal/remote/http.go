package remote

import (
	"context"
	"io"
	"net/http"

	"github.com/kapetan-io/errors"
	"github.com/natefinch/atomic"
)

// Fetch downloads URL to Dest with a single GET per attempt. The payload
// lands by rename, so a failed attempt never leaves a partial Dest
// behind for the importer to trip over.
type Fetch struct {
	URL  string
	Dest string
	// Client is the http client; nil uses http.DefaultClient.
	Client *http.Client
	// Accept, when set, is sent as the Accept header.
	Accept string
}

func (f *Fetch) Kind() string { return "http.fetch" }

func (f *Fetch) Attempt(ctx context.Context) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return errors.Errorf("while building request for '%s': %w", f.URL, err)
	}
	if f.Accept != "" {
		req.Header.Set("Accept", f.Accept)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Errorf("while fetching '%s': %w", f.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("'%s' returned status %d: %.200s", f.URL, resp.StatusCode, string(body))
	}
	if err := atomic.WriteFile(f.Dest, resp.Body); err != nil {
		return errors.Errorf("while staging '%s': %w", f.Dest, err)
	}
	return nil
}
