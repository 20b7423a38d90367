package osmsync

import (
	"github.com/kapetan-io/errors"
	"github.com/kapetan-io/tackle/set"
	"github.com/osmsync/osmsync/internal/types"
)

func (p *Pipeline) validateBoundariesRequest(req *BoundariesRequest) error {
	set.Default(&req.Kind, types.KindBoundary)

	switch req.Kind {
	case types.KindBoundary, types.KindMaritime:
	default:
		return errors.Errorf("Kind is invalid; '%s' is not one of (boundary, maritime)", req.Kind)
	}

	if req.ListURL == "" && req.ListPath == "" {
		return errors.New("one of ListURL or ListPath is required")
	}
	if req.ListURL != "" && req.ListPath != "" {
		return errors.New("ListURL and ListPath are exclusive; provide one")
	}
	return nil
}

func (p *Pipeline) validateNotesRequest(req *NotesRequest) error {
	set.Default(&req.WindowDays, p.conf.GapWindowDays)

	if req.WindowDays < 1 || req.WindowDays > 90 {
		return errors.Errorf("WindowDays is invalid; %d is not between 1 and 90", req.WindowDays)
	}
	return nil
}
