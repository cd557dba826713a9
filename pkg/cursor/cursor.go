package cursor

import (
	"context"
	"fmt"

	"github.com/cortexproject/mergecursors/pkg/document"
)

// Remote describes one partial result stream held open by a remote shard.
type Remote struct {
	// ShardID identifies the shard that owns the cursor.
	ShardID string `json:"shardId"`
	// Host is the host:port that serves getMore and killCursors for the cursor.
	Host string `json:"hostAndPort"`
	// CursorID is the remote handle. Zero means the cursor is exhausted.
	CursorID int64 `json:"cursorId"`
	// Batch holds results fetched while planning and not yet returned.
	Batch []document.Document `json:"batch,omitempty"`
}

func (r Remote) String() string {
	return fmt.Sprintf("%s@%s/%d", r.ShardID, r.Host, r.CursorID)
}

// Exhausted reports whether the remote side has no cursor left to kill.
func (r Remote) Exhausted() bool {
	return r.CursorID == 0
}

// Session is the caller's execution context binding (logical session and
// transaction) forwarded on every request issued for a cursor.
type Session struct {
	ID        string `json:"id,omitempty"`
	TxnNumber int64  `json:"txnNumber,omitempty"`
}

// GetMoreRequest asks a host for the next batch of a cursor.
type GetMoreRequest struct {
	Host      string   `json:"-"`
	Namespace string   `json:"ns"`
	CursorID  int64    `json:"cursorId"`
	BatchSize int      `json:"batchSize,omitempty"`
	Session   *Session `json:"session,omitempty"`
}

// Response is the reply to a getMore. CursorID is zero once the cursor is exhausted.
type Response struct {
	Namespace string              `json:"ns"`
	CursorID  int64               `json:"cursorId"`
	Batch     []document.Document `json:"nextBatch"`
}

// KillCursorsRequest releases cursors on a single host.
type KillCursorsRequest struct {
	Host      string   `json:"-"`
	Namespace string   `json:"ns"`
	CursorIDs []int64  `json:"cursors"`
	Session   *Session `json:"session,omitempty"`
}

// Executor issues remote cursor requests. Implementations own transport,
// timeouts and retry policy. They must be safe for concurrent use and must
// return promptly once ctx is cancelled.
type Executor interface {
	GetMore(ctx context.Context, req GetMoreRequest) (Response, error)
	KillCursors(ctx context.Context, req KillCursorsRequest) error
}
