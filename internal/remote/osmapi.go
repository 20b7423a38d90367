package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kapetan-io/errors"
	"github.com/natefinch/atomic"
)

// OSMFetch reads a payload from the OSM API and stages it at Dest.
// Before the first attempt it probes which protocol the endpoint
// negotiates so operators can see whether HTTP/2 is in play. The probe
// is best effort; a probe failure is ignored and must never fail the
// real request.
type OSMFetch struct {
	URL  string
	Dest string
	// Client is the http client; nil uses http.DefaultClient.
	Client *http.Client
	// Log reports the negotiated protocol after the probe.
	Log *slog.Logger

	probeOnce sync.Once
	proto     string
}

func (o *OSMFetch) Kind() string { return "osmapi.fetch" }

func (o *OSMFetch) Attempt(ctx context.Context) error {
	o.probeOnce.Do(func() { o.probe(ctx) })

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.URL, nil)
	if err != nil {
		return errors.Errorf("while building request for '%s': %w", o.URL, err)
	}
	resp, err := o.client().Do(req)
	if err != nil {
		return errors.Errorf("while fetching '%s': %w", o.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("'%s' returned status %d: %.200s", o.URL, resp.StatusCode, string(body))
	}
	if err := atomic.WriteFile(o.Dest, resp.Body); err != nil {
		return errors.Errorf("while staging '%s': %w", o.Dest, err)
	}
	return nil
}

func (o *OSMFetch) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}

func (o *OSMFetch) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.URL, nil)
	if err != nil {
		return
	}
	resp, err := o.client().Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
	o.proto = resp.Proto
	if o.Log != nil {
		o.Log.LogAttrs(ctx, slog.LevelDebug, "osm api protocol probe",
			slog.String("url", o.URL), slog.String("proto", resp.Proto))
	}
}
