package remote

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type Side int

const (
	SideAuthoritative Side = iota
	SideReplica
)

func (self Side) String() string {
	switch self {
	case SideAuthoritative:
		return "authoritative"
	case SideReplica:
		return "replica"
	default:
		return fmt.Sprintf("Side(%d)", int(self))
	}
}

type dispatchItem struct {
	node    *RemoteNode
	peerId  Id
	message []byte
}

// The engine owns the state of one tree: the hosts, every node's parent/children/tags,
// and the pending calls. Inbound envelopes are dispatched one at a time in channel order
// on the engine's dispatch loop.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	side      Side
	transport Transport
	settings  *EngineSettings

	pendingCalls *PendingCalls

	// guards every node's parent, children, tags, channel and handler, and the hosts
	stateLock sync.Mutex
	hosts     map[string]*Host
	// set by cleanup. No call can be registered after this.
	closing bool

	dispatches chan *dispatchItem

	cleanupOnce sync.Once
}

func NewEngineWithDefaults(ctx context.Context, transport Transport) *Engine {
	return NewEngine(ctx, transport, DefaultEngineSettings())
}

func NewEngine(ctx context.Context, transport Transport, settings *EngineSettings) *Engine {
	cancelCtx, cancel := context.WithCancel(ctx)
	engine := &Engine{
		ctx:          cancelCtx,
		cancel:       cancel,
		side:         transport.Side(),
		transport:    transport,
		settings:     settings,
		pendingCalls: NewPendingCalls(),
		hosts:        map[string]*Host{},
		dispatches:   make(chan *dispatchItem, settings.DispatchBufferSize),
	}
	go engine.run()
	if settings.AutoCleanupOnDisconnect {
		go func() {
			select {
			case <-cancelCtx.Done():
			case <-transport.Done():
				glog.Infof("[remote]%s transport done, cleaning up\n", engine.side)
				engine.Close()
			}
		}()
	}
	return engine
}

func (self *Engine) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case item := <-self.dispatches:
			HandleError(func() {
				item.node.dispatch(item.peerId, item.message)
			})
		}
	}
}

// called by the transport. Blocks while the dispatch buffer is full.
func (self *Engine) enqueue(node *RemoteNode, peerId Id, message []byte) {
	select {
	case <-self.ctx.Done():
	case self.dispatches <- &dispatchItem{
		node:    node,
		peerId:  peerId,
		message: message,
	}:
	}
}

func (self *Engine) Side() Side {
	return self.side
}

func (self *Engine) Transport() Transport {
	return self.transport
}

func (self *Engine) Settings() *EngineSettings {
	return self.settings
}

func (self *Engine) PendingCalls() *PendingCalls {
	return self.pendingCalls
}

func (self *Engine) Ctx() context.Context {
	return self.ctx
}

func (self *Engine) Done() <-chan struct{} {
	return self.ctx.Done()
}

// returns the host with the given name, creating it on first use
func (self *Engine) Host(name string) *Host {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	host, ok := self.hosts[name]
	if !ok {
		host = &Host{
			engine:   self,
			name:     name,
			childSet: newChildSet(),
		}
		self.hosts[name] = host
	}
	return host
}

// Resolves every pending call as `Cancelled`, then destroys every tree.
// Pending calls are resolved before this returns.
func (self *Engine) Cleanup() {
	self.cleanupOnce.Do(func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.closing = true
		cancelCount := self.pendingCalls.CancelAll()

		nodeCount := 0
		hostNames := maps.Keys(self.hosts)
		slices.Sort(hostNames)
		for _, hostName := range hostNames {
			host := self.hosts[hostName]
			host.childSet.cancelReservations()
			for _, child := range host.childSet.children {
				child.parent = nil
				child.destroyLocked()
				nodeCount += 1
			}
			host.childSet.children = nil
		}
		glog.V(1).Infof("[remote]%s cleanup cancelled %d calls, destroyed %d trees\n", self.side, cancelCount, nodeCount)
	})
}

func (self *Engine) Close() {
	self.Cleanup()
	self.cancel()
}

// an opaque external attachment point for top level nodes
type Host struct {
	engine *Engine
	name   string

	// guarded by the engine state lock
	childSet *childSet
}

func (self *Host) Name() string {
	return self.name
}

func (self *Host) Engine() *Engine {
	return self.engine
}

func (self *Host) Address() string {
	return url.PathEscape(self.name)
}

func (self *Host) Children() []*RemoteNode {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return slices.Clone(self.childSet.children)
}

func (self *Host) Child(path string) *RemoteNode {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return self.childSet.find(path)
}

// Parent implementation

func (self *Host) parentEngine() *Engine {
	return self.engine
}

func (self *Host) parentNode() *RemoteNode {
	return nil
}

func (self *Host) parentChildSet() *childSet {
	return self.childSet
}

func (self *Host) addressLocked() string {
	return self.Address()
}

func (self *Host) parentDestroyedLocked() bool {
	select {
	case <-self.engine.ctx.Done():
		return true
	default:
		return false
	}
}
