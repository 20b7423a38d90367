package remote

import (
	"context"
	"os/exec"
	"strings"

	"github.com/kapetan-io/errors"
)

// StatementRunner executes one database statement. The pgx runner in the
// store package returns structured server errors; ExecRunner drives an
// external client binary instead.
type StatementRunner interface {
	Run(ctx context.Context, stmt string) error
}

// DBOp retries a statement through whichever runner is configured.
type DBOp struct {
	Runner StatementRunner
	// Name labels the statement in logs.
	Name string
	Stmt string
}

func (o *DBOp) Kind() string {
	if o.Name != "" {
		return "db." + o.Name
	}
	return "db"
}

func (o *DBOp) Attempt(ctx context.Context) error {
	return o.Runner.Run(ctx, o.Stmt)
}

// errMarkers are the server banners scanned for in client output.
var errMarkers = []string{"ERROR:", "FATAL:", "PANIC:"}

// ExecRunner runs statements through an external client binary, psql
// style. Such clients sometimes exit 0 after printing a server error
// banner, so the combined output is scanned for markers and a banner
// carries the same weight as a non zero exit.
type ExecRunner struct {
	// Command is the client binary, "psql" by default.
	Command string
	// Args are passed before the statement.
	Args []string
	// StmtFlag carries the statement, "-c" by default.
	StmtFlag string
}

func (r *ExecRunner) Run(ctx context.Context, stmt string) error {
	command := r.Command
	if command == "" {
		command = "psql"
	}
	flag := r.StmtFlag
	if flag == "" {
		flag = "-c"
	}
	args := append(append([]string{}, r.Args...), flag, stmt)
	out, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
	if err != nil {
		return errors.Errorf("%s: %w: %.500s", command, err, string(out))
	}
	if marker := scanMarkers(string(out)); marker != "" {
		return errors.Errorf("%s exited 0 but printed '%s': %.500s", command, marker, string(out))
	}
	return nil
}

func scanMarkers(out string) string {
	for _, m := range errMarkers {
		if strings.Contains(out, m) {
			return m
		}
	}
	return ""
}
