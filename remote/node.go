package remote

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"

	"github.com/BazirGames/Remote/protocol"
)

const MaxPathLength = 255

type NodeKind string

const (
	NodeKindRemote    NodeKind = "Remote"
	NodeKindContainer NodeKind = "Container"
)

func (self NodeKind) IsValid() bool {
	switch self {
	case NodeKindRemote, NodeKindContainer:
		return true
	default:
		return false
	}
}

type EventFunction func(peerId Id, args []any)

// A returned error is sent to the caller as a failure reply.
// Errors that wrap a failure kind keep the kind, otherwise the kind is `HandlerFault`.
type InvokeFunction func(peerId Id, args []any) (any, error)

type ChildFunction func(child *RemoteNode)

// Something a node can be attached to: a `*Host`, a `*RemoteNode` or a `*RemoteContainer`.
type Parent interface {
	Address() string

	parentEngine() *Engine
	// nil for a host
	parentNode() *RemoteNode
	// the following must be called with the engine state lock
	parentChildSet() *childSet
	addressLocked() string
	parentDestroyedLocked() bool
}

func childAddress(parentAddress string, path string) string {
	return parentAddress + "/" + url.PathEscape(path)
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path can't be empty", ErrInvalidPath)
	}
	if MaxPathLength < len(path) {
		return fmt.Errorf("%w: path can't be longer than %d characters", ErrInvalidPath, MaxPathLength)
	}
	return nil
}

// a construction in progress on the replica side. Holds the path in the parent.
type reservation struct {
	cancel    context.CancelFunc
	cancelled bool
}

type childSet struct {
	children     []*RemoteNode
	reservations map[string]*reservation
}

func newChildSet() *childSet {
	return &childSet{
		reservations: map[string]*reservation{},
	}
}

func (self *childSet) find(path string) *RemoteNode {
	for _, child := range self.children {
		if child.path == path {
			return child
		}
	}
	return nil
}

func (self *childSet) has(path string) bool {
	if _, ok := self.reservations[path]; ok {
		return true
	}
	return self.find(path) != nil
}

func (self *childSet) add(child *RemoteNode) {
	self.children = append(self.children, child)
}

func (self *childSet) remove(child *RemoteNode) bool {
	if i := slices.Index(self.children, child); 0 <= i {
		self.children = slices.Delete(self.children, i, i+1)
		return true
	}
	return false
}

func (self *childSet) reserve(path string, cancel context.CancelFunc) *reservation {
	res := &reservation{
		cancel: cancel,
	}
	self.reservations[path] = res
	return res
}

func (self *childSet) release(path string, res *reservation) {
	if self.reservations[path] == res {
		delete(self.reservations, path)
	}
}

func (self *childSet) cancelReservation(path string) bool {
	res, ok := self.reservations[path]
	if !ok {
		return false
	}
	delete(self.reservations, path)
	res.cancelled = true
	res.cancel()
	return true
}

func (self *childSet) cancelReservations() {
	for _, path := range maps.Keys(self.reservations) {
		self.cancelReservation(path)
	}
}

// A named node with its own channel.
// On the authoritative side the node is the source of truth for its tags and children.
// On a replica side the node is a shadow kept in sync by the authoritative side.
type RemoteNode struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine *Engine
	kind   NodeKind
	path   string

	// guarded by the engine state lock
	parent        Parent
	childSet      *childSet
	tags          map[string]any
	channel       Channel
	invokeHandler InvokeFunction
	destroyed     bool
	// replica side, set while the shadow is built
	syncing  bool
	snapshot *snapshotDeltas

	// set once before the node is shared
	container *RemoteContainer

	eventCallbacks        *CallbackList[EventFunction]
	childAddedCallbacks   *CallbackList[ChildFunction]
	childRemovedCallbacks *CallbackList[ChildFunction]
}

// On the authoritative side the node is attached and announced immediately.
// On a replica side this waits for the authoritative node with the same path under `parent`,
// and returns once its tags and children have been synchronized.
func NewRemote(ctx context.Context, path string, parent Parent) (*RemoteNode, error) {
	return newNode(ctx, NodeKindRemote, path, parent)
}

func newRemoteNode(engine *Engine, kind NodeKind, path string) *RemoteNode {
	cancelCtx, cancel := context.WithCancel(engine.ctx)
	node := &RemoteNode{
		ctx:                   cancelCtx,
		cancel:                cancel,
		engine:                engine,
		kind:                  kind,
		path:                  path,
		childSet:              newChildSet(),
		tags:                  map[string]any{},
		eventCallbacks:        NewCallbackList[EventFunction](),
		childAddedCallbacks:   NewCallbackList[ChildFunction](),
		childRemovedCallbacks: NewCallbackList[ChildFunction](),
	}
	if kind == NodeKindContainer {
		newRemoteContainer(node)
	}
	return node
}

func newNode(ctx context.Context, kind NodeKind, path string, parent Parent) (*RemoteNode, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, ErrInvalidParent
	}
	engine := parent.parentEngine()

	node := newRemoteNode(engine, kind, path)
	switch engine.side {
	case SideAuthoritative:
		if err := node.attachNew(parent); err != nil {
			node.cancel()
			return nil, err
		}
	default:
		syncCtx, res, err := reserveChild(ctx, parent, path)
		if err != nil {
			return nil, err
		}
		if err := node.syncReplica(syncCtx, parent, res); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func normalizeParent(parent Parent) Parent {
	if container, ok := parent.(*RemoteContainer); ok {
		return container.RemoteNode
	}
	return parent
}

// authoritative side
func (self *RemoteNode) attachNew(parent Parent) error {
	parent = normalizeParent(parent)
	engine := self.engine

	parentNode, err := func() (*RemoteNode, error) {
		engine.stateLock.Lock()
		defer engine.stateLock.Unlock()

		if parent.parentDestroyedLocked() {
			return nil, ErrDestroyed
		}
		set := parent.parentChildSet()
		address := childAddress(parent.addressLocked(), self.path)
		if set.has(self.path) {
			return nil, newCallError(ErrDuplicatePath, "%s", address)
		}
		channel, err := engine.transport.OpenChannel(address)
		if err != nil {
			return nil, err
		}
		self.setChannelLocked(channel)

		set.add(self)
		self.parent = parent
		parentNode := parent.parentNode()
		if parentNode != nil {
			parentNode.broadcastLocked(protocol.RequestKind_ChildAdded, self.descriptor().toValue())
		}
		glog.V(1).Infof("[node]+%s %s\n", self.kind, address)
		return parentNode, nil
	}()
	if err != nil {
		return err
	}

	if parentNode != nil {
		parentNode.fireChildAdded(self)
	}
	return nil
}

// must be called with the engine state lock
func (self *RemoteNode) setChannelLocked(channel Channel) {
	self.channel = channel
	channel.SetReceiveCallback(func(peerId Id, message []byte) {
		self.engine.enqueue(self, peerId, message)
	})
}

func (self *RemoteNode) Engine() *Engine {
	return self.engine
}

func (self *RemoteNode) Kind() NodeKind {
	return self.kind
}

func (self *RemoteNode) Path() string {
	return self.path
}

func (self *RemoteNode) Ctx() context.Context {
	return self.ctx
}

// nil unless the node was created as a container
func (self *RemoteNode) Container() *RemoteContainer {
	return self.container
}

func (self *RemoteNode) Address() string {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return self.addressLocked()
}

func (self *RemoteNode) addressLocked() string {
	if self.parent == nil {
		return url.PathEscape(self.path)
	}
	return childAddress(self.parent.addressLocked(), self.path)
}

func (self *RemoteNode) Parent() Parent {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return self.parent
}

func (self *RemoteNode) Children() []*RemoteNode {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return slices.Clone(self.childSet.children)
}

func (self *RemoteNode) Child(path string) *RemoteNode {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return self.childSet.find(path)
}

func (self *RemoteNode) IsDestroyed() bool {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return self.destroyed
}

// Parent implementation

func (self *RemoteNode) parentEngine() *Engine {
	return self.engine
}

func (self *RemoteNode) parentNode() *RemoteNode {
	return self
}

func (self *RemoteNode) parentChildSet() *childSet {
	return self.childSet
}

func (self *RemoteNode) parentDestroyedLocked() bool {
	return self.destroyed
}

// Moves the node under `parent`. Only the authoritative side can re-parent.
// Replicas see the node removed from the old parent and added to the new parent.
func (self *RemoteNode) SetParent(parent Parent) error {
	if parent == nil {
		return ErrInvalidParent
	}
	if self.engine.side != SideAuthoritative {
		return fmt.Errorf("%w: only the authoritative side can set the parent", ErrWrongSide)
	}
	if parent.parentEngine() != self.engine {
		return fmt.Errorf("%w: parent belongs to another engine", ErrInvalidParent)
	}
	parent = normalizeParent(parent)
	engine := self.engine

	var oldParentNode *RemoteNode
	var newParentNode *RemoteNode
	moved, err := func() (bool, error) {
		engine.stateLock.Lock()
		defer engine.stateLock.Unlock()

		if self.destroyed || parent.parentDestroyedLocked() {
			return false, ErrDestroyed
		}
		if self.parent == parent {
			return false, nil
		}
		for ancestor := parent.parentNode(); ancestor != nil; ancestor = ancestor.parentNodeLocked() {
			if ancestor == self {
				return false, fmt.Errorf("%w: %s can't be its own ancestor", ErrInvalidParent, self.path)
			}
		}
		set := parent.parentChildSet()
		if set.has(self.path) {
			return false, newCallError(ErrDuplicatePath, "%s", childAddress(parent.addressLocked(), self.path))
		}

		fromAddress := self.addressLocked()
		oldParentNode = self.detachLocked()

		set.add(self)
		self.parent = parent
		self.moveChannelsLocked()

		newParentNode = parent.parentNode()
		if newParentNode != nil {
			newParentNode.broadcastLocked(protocol.RequestKind_ChildAdded, self.descriptor().toValue())
		}
		glog.V(1).Infof("[node]%s -> %s\n", fromAddress, self.addressLocked())
		return true, nil
	}()
	if err != nil {
		return err
	}

	if moved {
		if oldParentNode != nil {
			oldParentNode.fireChildRemoved(self)
		}
		if newParentNode != nil {
			newParentNode.fireChildAdded(self)
		}
	}
	return nil
}

// must be called with the engine state lock
func (self *RemoteNode) parentNodeLocked() *RemoteNode {
	if self.parent == nil {
		return nil
	}
	return self.parent.parentNode()
}

// must be called with the engine state lock.
// Returns the old parent node if the old parent was a node.
func (self *RemoteNode) detachLocked() *RemoteNode {
	if self.parent == nil {
		return nil
	}
	self.parent.parentChildSet().remove(self)
	parentNode := self.parent.parentNode()
	if parentNode != nil && self.engine.side == SideAuthoritative {
		parentNode.broadcastLocked(protocol.RequestKind_ChildRemoved, self.descriptor().toValue())
	}
	self.parent = nil
	return parentNode
}

// must be called with the engine state lock.
// Channel addresses follow the node path, so the whole subtree moves.
func (self *RemoteNode) moveChannelsLocked() {
	if self.channel != nil {
		address := self.addressLocked()
		if err := self.engine.transport.MoveChannel(self.channel, address); err != nil {
			glog.Infof("[node]move %s error = %s\n", address, err)
		}
	}
	for _, child := range self.childSet.children {
		child.moveChannelsLocked()
	}
}

func (self *RemoteNode) Tag(key string) any {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return self.tags[key]
}

func (self *RemoteNode) Tags() map[string]any {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return maps.Clone(self.tags)
}

// On the authoritative side the update is sent to every replica.
// On a replica side the update is local only.
// A nil value removes the tag.
func (self *RemoteNode) SetTag(key string, value any) error {
	normalValue, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("Unrepresentable tag %s: %w", key, err)
	}

	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()

	if self.destroyed {
		return ErrDestroyed
	}
	setTagLocked(self.tags, key, normalValue)
	if self.engine.side == SideAuthoritative {
		self.broadcastLocked(protocol.RequestKind_UpdateTag, key, normalValue)
	}
	return nil
}

func setTagLocked(tags map[string]any, key string, value any) {
	if value == nil {
		delete(tags, key)
	} else {
		tags[key] = value
	}
}

// Callbacks run on the dispatch loop. A callback must not wait on a call.
func (self *RemoteNode) OnEvent(eventCallback EventFunction) func() {
	return self.eventCallbacks.Add(eventCallback)
}

func (self *RemoteNode) OnChildAdded(childAddedCallback ChildFunction) func() {
	return self.childAddedCallbacks.Add(childAddedCallback)
}

func (self *RemoteNode) OnChildRemoved(childRemovedCallback ChildFunction) func() {
	return self.childRemovedCallbacks.Add(childRemovedCallback)
}

// Handles invocations from the other side. There is at most one handler; nil unbinds.
func (self *RemoteNode) SetInvokeHandler(invokeHandler InvokeFunction) {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	self.invokeHandler = invokeHandler
}

func (self *RemoteNode) fireEvent(peerId Id, args []any) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		HandleError(func() {
			eventCallback(peerId, args)
		})
	}
}

func (self *RemoteNode) fireChildAdded(child *RemoteNode) {
	for _, childAddedCallback := range self.childAddedCallbacks.Get() {
		HandleError(func() {
			childAddedCallback(child)
		})
	}
}

func (self *RemoteNode) fireChildRemoved(child *RemoteNode) {
	for _, childRemovedCallback := range self.childRemovedCallbacks.Get() {
		HandleError(func() {
			childRemovedCallback(child)
		})
	}
}

// must be called with the engine state lock
func (self *RemoteNode) broadcastLocked(requestKind protocol.RequestKind, args ...any) {
	if self.channel == nil {
		return
	}
	if err := self.sendLocked(AuthoritativeId, requestKind, NewId(), args); err != nil {
		glog.Infof("[node]broadcast %s %s error = %s\n", requestKind, self.path, err)
	}
}

// must be called with the engine state lock
func (self *RemoteNode) sendLocked(peerId Id, requestKind protocol.RequestKind, callId Id, args []any) error {
	if self.destroyed {
		return ErrDestroyed
	}
	if self.channel == nil {
		return fmt.Errorf("%s has no channel", self.path)
	}
	message, err := EncodeEnvelope(requestKind, callId, args)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[node]%s->%s %s %s %s\n", self.path, peerId, requestKind, callId, ByteCountHumanReadable(ByteCount(len(message))))
	return self.channel.Send(peerId, message)
}

func (self *RemoteNode) send(peerId Id, requestKind protocol.RequestKind, callId Id, args []any) error {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return self.sendLocked(peerId, requestKind, callId, args)
}

func (self *RemoteNode) requireSide(side Side) error {
	if self.engine.side != side {
		return fmt.Errorf("%w: requires the %s side", ErrWrongSide, side)
	}
	return nil
}

// replica side
func (self *RemoteNode) FireAuthoritative(args ...any) error {
	if err := self.requireSide(SideReplica); err != nil {
		return err
	}
	return self.send(AuthoritativeId, protocol.RequestKind_FireServer, NewId(), args)
}

// authoritative side
func (self *RemoteNode) FireReplica(peerId Id, args ...any) error {
	return self.FireReplicas([]Id{peerId}, args...)
}

// authoritative side
func (self *RemoteNode) FireReplicas(peerIds []Id, args ...any) error {
	if err := self.requireSide(SideAuthoritative); err != nil {
		return err
	}
	message, err := EncodeEnvelope(protocol.RequestKind_FireClient, NewId(), args)
	if err != nil {
		return err
	}

	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()

	if self.destroyed {
		return ErrDestroyed
	}
	var returnErr error
	for _, peerId := range peerIds {
		if peerId.IsZero() {
			// the zero id is the broadcast address
			continue
		}
		if err := self.channel.Send(peerId, message); err != nil && returnErr == nil {
			returnErr = err
		}
	}
	return returnErr
}

// authoritative side
func (self *RemoteNode) FireAllReplicas(args ...any) error {
	if err := self.requireSide(SideAuthoritative); err != nil {
		return err
	}
	return self.send(AuthoritativeId, protocol.RequestKind_FireClient, NewId(), args)
}

// authoritative side. Fires to every connected replica except `excludePeerIds`.
func (self *RemoteNode) FireOtherReplicas(excludePeerIds []Id, args ...any) error {
	peerIds := []Id{}
	for _, peerId := range self.engine.transport.Peers() {
		if !slices.Contains(excludePeerIds, peerId) {
			peerIds = append(peerIds, peerId)
		}
	}
	return self.FireReplicas(peerIds, args...)
}

// replica side. Invokes the authoritative handler and waits for the reply.
func (self *RemoteNode) InvokeAuthoritative(ctx context.Context, args ...any) (any, error) {
	if err := self.requireSide(SideReplica); err != nil {
		return nil, err
	}
	return self.call(ctx, AuthoritativeId, protocol.RequestKind_InvokeServer, args, self.engine.settings.ReplicaCallTimeout)
}

// authoritative side. Invokes the replica handler and waits for the reply.
func (self *RemoteNode) InvokeReplica(ctx context.Context, peerId Id, args ...any) (any, error) {
	if err := self.requireSide(SideAuthoritative); err != nil {
		return nil, err
	}
	if peerId.IsZero() {
		return nil, fmt.Errorf("%w: invoke needs a replica id", ErrInvalidParent)
	}
	return self.call(ctx, peerId, protocol.RequestKind_InvokeClient, args, self.engine.settings.AuthoritativeCallTimeout)
}

// Sends a request and waits for the reply with the same correlation id.
// Exactly one of reply, timeout, cancellation or cleanup resolves the call.
func (self *RemoteNode) call(ctx context.Context, peerId Id, requestKind protocol.RequestKind, args []any, timeout time.Duration) (any, error) {
	callId := NewId()
	message, err := EncodeEnvelope(requestKind, callId, args)
	if err != nil {
		return nil, err
	}

	pendingCalls := self.engine.pendingCalls
	pendingCall, err := func() (*PendingCall, error) {
		self.engine.stateLock.Lock()
		defer self.engine.stateLock.Unlock()

		if self.engine.closing {
			return nil, newCallError(ErrCancelled, "cleanup")
		}
		if self.destroyed {
			return nil, ErrDestroyed
		}
		pendingCall := pendingCalls.Register(callId, timeout)
		glog.V(2).Infof("[node]%s->%s %s %s %s\n", self.path, peerId, requestKind, callId, ByteCountHumanReadable(ByteCount(len(message))))
		if err := self.channel.Send(peerId, message); err != nil {
			pendingCalls.Resolve(callId, CallResult{Err: err})
		}
		return pendingCall, nil
	}()
	if err != nil {
		return nil, err
	}

	result := pendingCalls.Wait(ctx, pendingCall)
	if result.Err != nil {
		return nil, result.Err
	}
	return parseReply(result.Args)
}

// Destroys the node and its subtree. The node is detached and replicas remove their shadows.
// A destroyed node can't be used again.
func (self *RemoteNode) Destroy() {
	parentNode, destroyed := func() (*RemoteNode, bool) {
		self.engine.stateLock.Lock()
		defer self.engine.stateLock.Unlock()

		if self.destroyed {
			return nil, false
		}
		parentNode := self.detachLocked()
		self.destroyLocked()
		return parentNode, true
	}()
	if destroyed && parentNode != nil {
		parentNode.fireChildRemoved(self)
	}
}

// must be called with the engine state lock. The node must already be detached.
func (self *RemoteNode) destroyLocked() {
	if self.destroyed {
		return
	}
	self.destroyed = true
	self.cancel()

	self.childSet.cancelReservations()
	for _, child := range self.childSet.children {
		child.parent = nil
		child.destroyLocked()
	}
	self.childSet.children = nil

	if self.channel != nil {
		self.channel.Close()
	}
	self.invokeHandler = nil
	self.eventCallbacks.Clear()
	self.childAddedCallbacks.Clear()
	self.childRemovedCallbacks.Clear()
	if self.container != nil {
		self.container.clearIndex()
	}
	glog.V(1).Infof("[node]-%s %s\n", self.kind, self.path)
}

// a snapshot of a subtree, for display
type NodeTree struct {
	Kind     NodeKind
	Path     string
	Tags     map[string]any
	Children []*NodeTree
}

func (self *RemoteNode) Tree() *NodeTree {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	return self.treeLocked()
}

func (self *RemoteNode) treeLocked() *NodeTree {
	tree := &NodeTree{
		Kind: self.kind,
		Path: self.path,
		Tags: maps.Clone(self.tags),
	}
	for _, child := range self.childSet.children {
		tree.Children = append(tree.Children, child.treeLocked())
	}
	return tree
}
