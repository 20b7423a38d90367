package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/kapetan-io/errors"
)

// GeoServerCall issues one GET or POST against a GeoServer REST endpoint
// per attempt. GeoServer answers 200 on reads and 201 on layer creation;
// anything else fails the attempt.
type GeoServerCall struct {
	// Method is http.MethodGet or http.MethodPost.
	Method string
	URL    string
	// Body is sent on POST.
	Body []byte
	// ContentType of Body; defaults to application/xml, the GeoServer
	// REST default.
	ContentType string
	// User and Password are sent as basic auth when set.
	User     string
	Password string
	// Client is the http client; nil uses http.DefaultClient.
	Client *http.Client
	// Response receives the reply body when set.
	Response *bytes.Buffer
}

func (g *GeoServerCall) Kind() string {
	return "geoserver." + strings.ToLower(g.Method)
}

func (g *GeoServerCall) Attempt(ctx context.Context) error {
	var body io.Reader
	if g.Method == http.MethodPost {
		body = bytes.NewReader(g.Body)
	}
	req, err := http.NewRequestWithContext(ctx, g.Method, g.URL, body)
	if err != nil {
		return errors.Errorf("while building request for '%s': %w", g.URL, err)
	}
	if g.Method == http.MethodPost {
		ct := g.ContentType
		if ct == "" {
			ct = "application/xml"
		}
		req.Header.Set("Content-Type", ct)
	}
	if g.User != "" {
		req.SetBasicAuth(g.User, g.Password)
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Errorf("while calling geoserver '%s': %w", g.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		reply, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("geoserver '%s' returned status %d: %.200s", g.URL, resp.StatusCode, string(reply))
	}
	if g.Response != nil {
		g.Response.Reset()
		if _, err := io.Copy(g.Response, resp.Body); err != nil {
			return errors.Errorf("while reading geoserver reply from '%s': %w", g.URL, err)
		}
	}
	return nil
}
