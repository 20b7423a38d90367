package remote

import "context"

// FileOp wraps a local filesystem action in the retry skeleton. Local
// disk needs no admission gate, only the attempt budget; NFS hiccups and
// transient EBUSY on the work dir are the failures being absorbed.
type FileOp struct {
	// Name labels the operation in logs.
	Name string
	// Fn is the action to attempt.
	Fn func(ctx context.Context) error
}

func (o *FileOp) Kind() string {
	if o.Name != "" {
		return "file." + o.Name
	}
	return "file"
}

func (o *FileOp) Attempt(ctx context.Context) error { return o.Fn(ctx) }
