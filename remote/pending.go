package remote

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type CallResult struct {
	Args []any
	Err  error
}

type PendingCall struct {
	callId   Id
	deadline time.Time

	timer    *time.Timer
	resolved chan struct{}
	// set once before `resolved` is closed
	result CallResult
}

func (self *PendingCall) CallId() Id {
	return self.callId
}

func (self *PendingCall) Deadline() time.Time {
	return self.deadline
}

func (self *PendingCall) Done() <-chan struct{} {
	return self.resolved
}

// only valid after `Done`
func (self *PendingCall) Result() CallResult {
	<-self.resolved
	return self.result
}

// correlation id -> waiting caller
type PendingCalls struct {
	stateLock sync.Mutex
	calls     map[Id]*PendingCall
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{
		calls: map[Id]*PendingCall{},
	}
}

// The deadline resolves the call with a `Timeout` failure
// through the same path as a reply, so exactly one resolution happens.
func (self *PendingCalls) Register(callId Id, timeout time.Duration) *PendingCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pendingCall := &PendingCall{
		callId:   callId,
		deadline: time.Now().Add(timeout),
		resolved: make(chan struct{}),
	}
	self.calls[callId] = pendingCall
	pendingCall.timer = time.AfterFunc(timeout, func() {
		if self.Resolve(callId, CallResult{
			Err: newCallError(ErrTimeout, "no reply within %s", timeout),
		}) {
			glog.Infof("[pending]%s timeout after %s\n", callId, timeout)
		}
	})
	return pendingCall
}

// returns false if the call is unknown or already resolved
func (self *PendingCalls) Resolve(callId Id, result CallResult) bool {
	self.stateLock.Lock()
	pendingCall, ok := self.calls[callId]
	if ok {
		delete(self.calls, callId)
	}
	self.stateLock.Unlock()

	if !ok {
		return false
	}
	pendingCall.timer.Stop()
	pendingCall.result = result
	close(pendingCall.resolved)
	return true
}

func (self *PendingCalls) IsPending(callId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.calls[callId]
	return ok
}

func (self *PendingCalls) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.calls)
}

// resolves every pending call with `Cancelled` and returns the number of calls cancelled
func (self *PendingCalls) CancelAll() int {
	self.stateLock.Lock()
	callIds := make([]Id, 0, len(self.calls))
	for callId := range self.calls {
		callIds = append(callIds, callId)
	}
	self.stateLock.Unlock()

	cancelCount := 0
	for _, callId := range callIds {
		if self.Resolve(callId, CallResult{
			Err: newCallError(ErrCancelled, "cleanup"),
		}) {
			cancelCount += 1
		}
	}
	return cancelCount
}

// waits for the resolution. If `ctx` is done first the call is resolved as `Cancelled`.
func (self *PendingCalls) Wait(ctx context.Context, pendingCall *PendingCall) CallResult {
	select {
	case <-pendingCall.resolved:
	case <-ctx.Done():
		self.Resolve(pendingCall.callId, CallResult{
			Err: newCallError(ErrCancelled, "%s", ctx.Err()),
		})
	}
	return pendingCall.Result()
}
