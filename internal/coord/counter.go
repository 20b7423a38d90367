package coord

import (
	"context"
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/clock"
	"github.com/natefinch/atomic"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Counter is a monotonic counter shared between processes through a file.
// Every mutation is a read-modify-write performed while holding the
// counter's micro lock; a read-then-write without the lock loses updates.
// Reads always go to the file, values are never cached between polls.
type Counter struct {
	// Path is the counter file. The micro lock lives at Path + ".lock".
	Path string
	// Initial is the value an absent counter file reads as.
	Initial int64
	// Clock stamps micro lock payloads.
	Clock *clock.Provider
	// Probe detects micro locks whose holder died mid update.
	Probe ProcessProbe
	// Log reports broken stale micro locks.
	Log *slog.Logger
}

// Load reads the current value without taking the lock. Absent counter
// files read as Initial.
func (c *Counter) Load() (int64, error) {
	buf, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return c.Initial, nil
		}
		return 0, errors.Errorf("while reading counter '%s': %w", c.Path, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(buf)), 10, 64)
	if err != nil {
		return 0, errors.Errorf("corrupt counter '%s': %w", c.Path, err)
	}
	return v, nil
}

// Increment advances the counter by one and returns the new value. The
// value file is replaced by rename so concurrent readers never observe a
// torn write.
func (c *Counter) Increment(ctx context.Context) (int64, error) {
	release, err := acquireMicroLock(ctx, c.Path+".lock", c.Clock, c.Probe, c.Log)
	if err != nil {
		return 0, err
	}
	defer release()

	v, err := c.Load()
	if err != nil {
		return 0, err
	}
	v++
	if err := atomic.WriteFile(c.Path, strings.NewReader(strconv.FormatInt(v, 10))); err != nil {
		return 0, errors.Errorf("while writing counter '%s': %w", c.Path, err)
	}
	return v, nil
}
