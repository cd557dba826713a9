package merger

import (
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/cursor"
	"github.com/cortexproject/mergecursors/pkg/sortkey"
)

// Params describes the remote cursors to merge. A Params value owns the
// cursors it lists until it is consumed by New.
type Params struct {
	Namespace string
	Remotes   []cursor.Remote
	// Sort is the key every remote stream is already ordered by. Empty merges
	// in arrival order.
	Sort sortkey.Pattern
	// Tailable marks the cursors as tailable: a getMore round that returns
	// nothing pauses the merge instead of blocking.
	Tailable bool
	// BatchSize is sent with every getMore. Zero leaves it to the remote.
	BatchSize int
	// AllowPartialResults treats a failed remote as exhausted instead of
	// failing the merge.
	AllowPartialResults bool

	consumed bool
}

// Validate checks the invariants New relies on.
func (p *Params) Validate() error {
	if p.consumed {
		return errors.Wrap(cursor.ErrIllegalState, "merge parameters already consumed")
	}
	if len(p.Remotes) == 0 {
		return errors.Wrap(cursor.ErrInvalidArgument, "no remote cursors to merge")
	}
	for _, r := range p.Remotes {
		if r.Host == "" && !r.Exhausted() {
			return errors.Wrapf(cursor.ErrInvalidArgument, "remote cursor %d of shard %q has no host", r.CursorID, r.ShardID)
		}
	}
	if err := p.Sort.Validate(); err != nil {
		return errors.Wrap(cursor.ErrInvalidArgument, err.Error())
	}
	if p.Tailable && !p.Sort.IsEmpty() {
		return errors.Wrap(cursor.ErrInvalidArgument, "tailable cursors cannot be merged sorted")
	}
	if p.BatchSize < 0 {
		return errors.Wrapf(cursor.ErrInvalidArgument, "negative batch size %d", p.BatchSize)
	}
	return nil
}

// Consumed reports whether the params were handed to a Merger.
func (p *Params) Consumed() bool {
	return p.consumed
}

// take moves the remotes out of p and invalidates it.
func (p *Params) take() []cursor.Remote {
	remotes := p.Remotes
	p.Remotes = nil
	p.consumed = true
	return remotes
}
