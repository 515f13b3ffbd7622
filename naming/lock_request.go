package naming

import (
	"sync"

	"github.com/google/uuid"

	"dfs"
)

// lockRequest is a lock intent travelling from the root towards its target
// node. It is granted exactly once, either with nil or with the error that
// made it impossible to reach the target.
type lockRequest struct {
	id        string
	path      dfs.Path
	exclusive bool
	internal  bool // taken by the replicator, not by a client
	done      chan error
	once      sync.Once
}

func newLockRequest(p dfs.Path, exclusive, internal bool) *lockRequest {
	return &lockRequest{
		id:        uuid.NewString(),
		path:      p,
		exclusive: exclusive,
		internal:  internal,
		done:      make(chan error, 1),
	}
}

// escort is the shared grant an ancestor holds on behalf of r while r is
// travelling further down. It shares r's id so that releasing r releases it.
func (r *lockRequest) escort() *lockRequest {
	return &lockRequest{
		id:        r.id,
		path:      r.path,
		exclusive: false,
		internal:  r.internal,
	}
}

func (r *lockRequest) isEscort() bool {
	return r.done == nil
}

// grant wakes the requester. Only the first call has an effect.
func (r *lockRequest) grant(err error) {
	if r.done == nil {
		return
	}
	r.once.Do(func() {
		r.done <- err
	})
}

// wait blocks until the request is granted or failed.
func (r *lockRequest) wait() error {
	return <-r.done
}
