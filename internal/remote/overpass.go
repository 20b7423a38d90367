package remote

import (
	"bytes"
	"context"

	"github.com/kapetan-io/errors"
	"github.com/natefinch/atomic"
	"github.com/osmsync/osmsync/internal/overpass"
)

// OverpassQuery runs one Overpass QL query per attempt and stages the
// response at Dest. Always run it gated through the overpass ticket
// queue; the queue consults the rate poller before every admission, and
// a 429 from the interpreter is just another retryable attempt failure.
type OverpassQuery struct {
	Client *overpass.Client
	Query  string
	Dest   string
}

func (o *OverpassQuery) Kind() string { return "overpass.query" }

func (o *OverpassQuery) Attempt(ctx context.Context) error {
	body, err := o.Client.Query(ctx, o.Query)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(o.Dest, bytes.NewReader(body)); err != nil {
		return errors.Errorf("while staging overpass response '%s': %w", o.Dest, err)
	}
	return nil
}
