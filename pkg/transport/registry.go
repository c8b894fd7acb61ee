package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
)

// Reply is the terminal outcome of a pending call. Status is set when the
// server answered with an error status; Err when the call failed locally.
type Reply struct {
	Result json.RawMessage
	Status *sdkerrors.Status
	Err    error
}

// PendingCall is a registered call waiting for its reply. Done delivers
// exactly one Reply.
type PendingCall struct {
	ID       int64
	Method   string
	Deadline time.Time
	Created  time.Time
	ch       chan Reply
}

// Done returns the channel that receives the reply.
func (p *PendingCall) Done() <-chan Reply {
	return p.ch
}

// Registry maps correlation ids to pending calls. Every registered call is
// resolved, cancelled or failed exactly once.
type Registry struct {
	mu      sync.Mutex
	pending map[int64]*PendingCall
	closed  error
	logger  logging.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		pending: make(map[int64]*PendingCall),
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}
}

// Register adds a call. It fails when the id is already pending or the
// registry has been closed.
func (r *Registry) Register(id int64, method string, deadline time.Time) (*PendingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return nil, r.closed
	}
	if _, exists := r.pending[id]; exists {
		return nil, sdkerrors.ProtocolViolation(sdkerrors.CodeDuplicateRequest,
			fmt.Sprintf("request id %d already pending", id))
	}
	p := &PendingCall{
		ID:       id,
		Method:   method,
		Deadline: deadline,
		Created:  r.now(),
		ch:       make(chan Reply, 1),
	}
	r.pending[id] = p
	return p, nil
}

// Resolve delivers a reply and removes the call. It reports false for ids
// that are not pending, which happens after a cancel or with a confused
// server.
func (r *Registry) Resolve(id int64, reply Reply) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("dropping reply for unknown request", logging.Int64("id", id))
		return false
	}
	p.ch <- reply
	return true
}

// Cancel removes a call without delivering anything. A late reply for it is
// dropped by Resolve.
func (r *Registry) Cancel(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	return ok
}

// FailAll resolves every pending call with err and returns how many there
// were. The registry stays usable.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	calls := r.pending
	r.pending = make(map[int64]*PendingCall)
	r.mu.Unlock()

	for _, p := range calls {
		p.ch <- Reply{Err: err}
	}
	if len(calls) > 0 {
		r.logger.Info("failed pending calls", logging.Int("count", len(calls)), logging.ErrorField(err))
	}
	return len(calls)
}

// Close fails all pending calls and rejects future registrations with err.
func (r *Registry) Close(err error) int {
	r.mu.Lock()
	r.closed = err
	r.mu.Unlock()
	return r.FailAll(err)
}

// Len returns the number of pending calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Expired returns the ids of calls whose deadline has passed.
func (r *Registry) Expired(now time.Time) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, p := range r.pending {
		if !p.Deadline.IsZero() && now.After(p.Deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}
