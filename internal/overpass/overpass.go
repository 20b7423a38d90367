// Package overpass talks to an Overpass API endpoint: the status endpoint
// that reports slot availability in free text, and the interpreter
// endpoint that answers queries.
package overpass

import (
	"context"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	// "Slot available after: 2026-08-21T10:11:12Z, in 30 seconds."
	afterRE = regexp.MustCompile(`[Ss]lot available after.*?in (\d+) seconds`)
	// "2 slots available now."
	nowRE = regexp.MustCompile(`(\d+) slots? available now`)
)

type ClientConfig struct {
	// StatusURL is the Overpass status endpoint.
	StatusURL string
	// InterpreterURL is the Overpass query endpoint.
	InterpreterURL string
	// PollFloor is the minimum spacing between status requests. Calls
	// arriving faster are answered from the last observation.
	PollFloor clock.Duration
	// Client is the http client used for both endpoints.
	Client *http.Client
	// Clock is a time provider used to preform time related calculations.
	// It is configurable so that it can be overridden for testing.
	Clock *clock.Provider
	// Log is used to log warnings and errors
	Log *slog.Logger
}

// Client queries Overpass. Its Wait method implements coord.Throttle so
// ticketed admission can hold off while the server is throttling us.
type Client struct {
	conf    ClientConfig
	limiter *rate.Limiter
	mutex   sync.Mutex
	last    clock.Duration
}

func NewClient(conf ClientConfig) *Client {
	set.Default(&conf.Log, slog.Default())
	set.Default(&conf.Clock, clock.NewProvider())
	set.Default(&conf.Client, http.DefaultClient)
	set.Default(&conf.PollFloor, clock.Second)

	return &Client{
		conf:    conf,
		limiter: rate.NewLimiter(rate.Every(conf.PollFloor), 1),
	}
}

// Status asks the status endpoint how long to wait before sending the
// next query. Zero means a slot is free right now. The endpoint answers
// in prose, so this parses the phrasings Overpass is known to use. A
// connection failure fails open with zero; an unreachable poller must
// never block the pipeline indefinitely.
func (c *Client) Status(ctx context.Context) clock.Duration {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conf.StatusURL, nil)
	if err != nil {
		c.conf.Log.Warn("overpass status request build failed, failing open", "error", err)
		return 0
	}
	resp, err := c.conf.Client.Do(req)
	if err != nil {
		c.conf.Log.Warn("overpass status unreachable, failing open", "error", err)
		return 0
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		c.conf.Log.Warn("overpass status read failed, failing open", "error", err)
		return 0
	}
	return ParseStatus(string(body))
}

// Wait implements the admission throttle. It keeps actual status requests
// at PollFloor spacing no matter how hot the admission loop polls,
// answering intermediate calls with the last observation.
func (c *Client) Wait(ctx context.Context) clock.Duration {
	if c.conf.StatusURL == "" {
		return 0
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.limiter.Allow() {
		return c.last
	}
	c.last = c.Status(ctx)
	return c.last
}

// ParseStatus translates the status endpoint's free text into a wait
// duration. Unrecognized text means no advice, wait zero.
func ParseStatus(body string) clock.Duration {
	if m := nowRE.FindStringSubmatch(body); m != nil {
		return 0
	}
	if m := afterRE.FindStringSubmatch(body); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 0 {
			return 0
		}
		return clock.Duration(n) * clock.Second
	}
	return 0
}

// Query POSTs an Overpass QL query and returns the response body. The
// caller owns admission; this does one attempt, no retries.
func (c *Client) Query(ctx context.Context, query string) ([]byte, error) {
	form := url.Values{"data": []string{query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.InterpreterURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Errorf("while building overpass request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.conf.Client.Do(req)
	if err != nil {
		return nil, errors.Errorf("while querying overpass: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Errorf("while reading overpass response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("overpass returned status %d: %.200s", resp.StatusCode, string(body))
	}
	return body, nil
}
