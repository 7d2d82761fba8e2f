package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"

	"github.com/BazirGames/Remote/protocol"
)

// A replica shadow is built by waiting for the node channel, fetching the node properties
// (tags and child descriptors) and then building the child shadows the same way.
// After that the authoritative side sends `ChildAdded` and `ChildRemoved` deltas on the
// parent channel and `UpdateTag` deltas on the node channel.

type ChildDescriptor struct {
	Kind NodeKind
	Path string
}

func (self *RemoteNode) descriptor() *ChildDescriptor {
	return &ChildDescriptor{
		Kind: self.kind,
		Path: self.path,
	}
}

func (self *ChildDescriptor) toValue() map[string]any {
	return map[string]any{
		"kind": string(self.Kind),
		"path": self.Path,
	}
}

func parseDescriptor(value any) (*ChildDescriptor, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: descriptor must be a map, got %T", ErrDecodeFailure, value)
	}
	kind, ok := m["kind"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: descriptor missing kind", ErrDecodeFailure)
	}
	path, ok := m["path"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: descriptor missing path", ErrDecodeFailure)
	}
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}
	return &ChildDescriptor{
		Kind: NodeKind(kind),
		Path: path,
	}, nil
}

func parseDescriptors(value any) ([]*ChildDescriptor, error) {
	values, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: children must be a list, got %T", ErrDecodeFailure, value)
	}
	descriptors := make([]*ChildDescriptor, 0, len(values))
	for _, v := range values {
		descriptor, err := parseDescriptor(v)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

func parseTags(value any) (map[string]any, error) {
	if value == nil {
		return map[string]any{}, nil
	}
	tags, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: tags must be a map, got %T", ErrDecodeFailure, value)
	}
	return tags, nil
}

// must be called with the engine state lock
func (self *RemoteNode) childrenValueLocked() []any {
	children := make([]any, 0, len(self.childSet.children))
	for _, child := range self.childSet.children {
		children = append(children, child.descriptor().toValue())
	}
	return children
}

// must be called with the engine state lock
func (self *RemoteNode) tagsValueLocked() map[string]any {
	return maps.Clone(self.tags)
}

// must be called with the engine state lock
func (self *RemoteNode) propertiesValueLocked() map[string]any {
	return map[string]any{
		"tags":     self.tagsValueLocked(),
		"children": self.childrenValueLocked(),
	}
}

type nodeProperties struct {
	tags     map[string]any
	children []*ChildDescriptor
}

func parseProperties(value any) (*nodeProperties, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: properties must be a map, got %T", ErrDecodeFailure, value)
	}
	tags, err := parseTags(m["tags"])
	if err != nil {
		return nil, err
	}
	var children []*ChildDescriptor
	if childrenValue, ok := m["children"]; ok && childrenValue != nil {
		children, err = parseDescriptors(childrenValue)
		if err != nil {
			return nil, err
		}
	}
	return &nodeProperties{
		tags:     tags,
		children: children,
	}, nil
}

// replies are `[true, value]` or `[false, "<Kind>: <message>"]`
func successReply(value any) []any {
	return []any{true, value}
}

func failureReply(callErr *CallError) []any {
	return []any{false, callErr.Error()}
}

func parseReply(args []any) (any, error) {
	if len(args) == 0 {
		return nil, newCallError(ErrDecodeFailure, "empty reply")
	}
	ok, isBool := args[0].(bool)
	if !isBool {
		return nil, newCallError(ErrDecodeFailure, "reply status must be a bool, got %T", args[0])
	}
	var value any
	if 1 < len(args) {
		value = args[1]
	}
	if ok {
		return value, nil
	}
	failure, _ := value.(string)
	return nil, parseCallError(failure)
}

// deltas received on a shadow's channel after its properties reply, while it is built
type snapshotDeltas struct {
	tags         map[string]any
	removedPaths map[string]bool
}

func newSnapshotDeltas() *snapshotDeltas {
	return &snapshotDeltas{
		tags:         map[string]any{},
		removedPaths: map[string]bool{},
	}
}

// Holds `path` in `parent` while a shadow is built.
// The returned ctx is cancelled if the reservation is cancelled.
func reserveChild(ctx context.Context, parent Parent, path string) (context.Context, *reservation, error) {
	parent = normalizeParent(parent)
	engine := parent.parentEngine()

	engine.stateLock.Lock()
	defer engine.stateLock.Unlock()
	return reserveChildLocked(ctx, parent, path)
}

// must be called with the engine state lock
func reserveChildLocked(ctx context.Context, parent Parent, path string) (context.Context, *reservation, error) {
	if parent.parentDestroyedLocked() {
		return nil, nil, ErrDestroyed
	}
	set := parent.parentChildSet()
	if set.has(path) {
		return nil, nil, newCallError(ErrDuplicatePath, "%s", childAddress(parent.addressLocked(), path))
	}
	syncCtx, cancel := context.WithCancel(ctx)
	return syncCtx, set.reserve(path, cancel), nil
}

func newShadow(ctx context.Context, descriptor *ChildDescriptor, parent Parent, res *reservation) (*RemoteNode, error) {
	node := newRemoteNode(parent.parentEngine(), descriptor.Kind, descriptor.Path)
	if err := node.syncReplica(ctx, parent, res); err != nil {
		return nil, err
	}
	return node, nil
}

// replica side. Builds the shadow and attaches it to `parent`.
// The shadow knows its parent while it is built, so its children resolve their addresses,
// but it is only visible in the parent once the whole subtree is built.
// On failure the reservation is released and the partial shadow is destroyed.
func (self *RemoteNode) syncReplica(ctx context.Context, parent Parent, res *reservation) (returnErr error) {
	parent = normalizeParent(parent)
	engine := self.engine

	defer res.cancel()
	defer func() {
		if returnErr != nil {
			engine.stateLock.Lock()
			defer engine.stateLock.Unlock()
			parent.parentChildSet().release(self.path, res)
			self.parent = nil
			self.syncing = false
			self.snapshot = nil
			self.destroyLocked()
		}
	}()

	engine.stateLock.Lock()
	self.parent = parent
	self.syncing = true
	address := self.addressLocked()
	engine.stateLock.Unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, engine.settings.channelWaitTimeout())
	channel, err := engine.transport.WaitChannel(waitCtx, address)
	waitCancel()
	if err != nil {
		if ctx.Err() != nil {
			return newCallError(ErrCancelled, "%s", address)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return newCallError(ErrTimeout, "%s never appeared", address)
		}
		return err
	}

	engine.stateLock.Lock()
	self.setChannelLocked(channel)
	engine.stateLock.Unlock()

	propertiesValue, err := self.call(ctx, AuthoritativeId, protocol.RequestKind_GetProperties, nil, engine.settings.ReplicaCallTimeout)
	if err != nil {
		return err
	}
	properties, err := parseProperties(propertiesValue)
	if err != nil {
		return err
	}

	engine.stateLock.Lock()
	// deltas before the reply are older than the snapshot. Deltas after it are newer.
	tags := properties.tags
	if self.snapshot != nil {
		for key, value := range self.snapshot.tags {
			setTagLocked(tags, key, value)
		}
	}
	self.tags = tags
	engine.stateLock.Unlock()

	if err := self.syncChildren(ctx, properties.children); err != nil {
		return err
	}

	err = func() error {
		engine.stateLock.Lock()
		defer engine.stateLock.Unlock()

		self.syncing = false
		self.snapshot = nil
		if res.cancelled {
			return newCallError(ErrCancelled, "%s was removed", address)
		}
		if self.destroyed || parent.parentDestroyedLocked() {
			return ErrDestroyed
		}
		set := parent.parentChildSet()
		set.release(self.path, res)
		set.add(self)
		glog.V(1).Infof("[sync]+%s %s\n", self.kind, address)
		return nil
	}()
	if err != nil {
		return err
	}

	if parentNode := parent.parentNode(); parentNode != nil {
		parentNode.fireChildAdded(self)
	}
	return nil
}

// must be called with the engine state lock.
// Called on the dispatch loop when the properties reply arrives.
func (self *RemoteNode) snapshotReceivedLocked() {
	if self.syncing && self.snapshot == nil {
		self.snapshot = newSnapshotDeltas()
	}
}

// Builds the child shadows in parallel and waits for all of them.
// Fails with the first child that fails, unless that child was removed meanwhile.
func (self *RemoteNode) syncChildren(ctx context.Context, descriptors []*ChildDescriptor) error {
	engine := self.engine

	var wg sync.WaitGroup
	errs := make(chan error, len(descriptors))
	for _, descriptor := range descriptors {
		if !descriptor.Kind.IsValid() {
			glog.Infof("[sync]%s child kind %s isn't supported\n", self.path, descriptor.Kind)
			continue
		}
		childCtx, res, err := func() (context.Context, *reservation, error) {
			engine.stateLock.Lock()
			defer engine.stateLock.Unlock()
			if self.snapshot != nil && self.snapshot.removedPaths[descriptor.Path] {
				return nil, nil, newCallError(ErrCancelled, "%s was removed", descriptor.Path)
			}
			return reserveChildLocked(ctx, self, descriptor.Path)
		}()
		if err != nil {
			// removed, or already added by a delta
			glog.V(2).Infof("[sync]%s skip child %s = %s\n", self.path, descriptor.Path, err)
			continue
		}
		wg.Add(1)
		go func(descriptor *ChildDescriptor) {
			defer wg.Done()
			_, err := newShadow(childCtx, descriptor, self, res)
			if err == nil {
				return
			}
			engine.stateLock.Lock()
			cancelled := res.cancelled
			engine.stateLock.Unlock()
			if cancelled {
				glog.V(1).Infof("[sync]%s child %s removed while syncing\n", self.path, descriptor.Path)
				return
			}
			errs <- fmt.Errorf("%s child %s: %w", self.path, descriptor.Path, err)
		}(descriptor)
	}
	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

// replica side, on the dispatch loop. The shadow is built in the background.
func (self *RemoteNode) applyChildAdded(args []any) {
	if len(args) != 1 {
		glog.Infof("[sync]%s ChildAdded expects one descriptor, got %d args\n", self.path, len(args))
		return
	}
	descriptor, err := parseDescriptor(args[0])
	if err != nil {
		glog.Infof("[sync]%s ChildAdded error = %s\n", self.path, err)
		return
	}
	if !descriptor.Kind.IsValid() {
		glog.Infof("[sync]%s child kind %s isn't supported\n", self.path, descriptor.Kind)
		return
	}
	childCtx, res, err := reserveChild(self.ctx, self, descriptor.Path)
	if err != nil {
		glog.V(1).Infof("[sync]%s ChildAdded %s ignored = %s\n", self.path, descriptor.Path, err)
		return
	}
	go HandleError(func() {
		if _, err := newShadow(childCtx, descriptor, self, res); err != nil {
			glog.Infof("[sync]%s child %s error = %s\n", self.path, descriptor.Path, err)
		}
	})
}

// replica side, on the dispatch loop
func (self *RemoteNode) applyChildRemoved(args []any) {
	if len(args) != 1 {
		glog.Infof("[sync]%s ChildRemoved expects one descriptor, got %d args\n", self.path, len(args))
		return
	}
	descriptor, err := parseDescriptor(args[0])
	if err != nil {
		glog.Infof("[sync]%s ChildRemoved error = %s\n", self.path, err)
		return
	}

	child := func() *RemoteNode {
		self.engine.stateLock.Lock()
		defer self.engine.stateLock.Unlock()

		child := self.childSet.find(descriptor.Path)
		if child != nil && child.kind == descriptor.Kind {
			self.childSet.remove(child)
			child.parent = nil
			child.destroyLocked()
			return child
		}
		if self.childSet.cancelReservation(descriptor.Path) {
			glog.V(1).Infof("[sync]%s cancelled child %s\n", self.path, descriptor.Path)
		} else if self.snapshot != nil {
			self.snapshot.removedPaths[descriptor.Path] = true
		}
		return nil
	}()
	if child != nil {
		glog.V(1).Infof("[sync]-%s %s/%s\n", child.kind, self.path, child.path)
		self.fireChildRemoved(child)
	}
}

// replica side, on the dispatch loop
func (self *RemoteNode) applyUpdateTag(args []any) {
	if len(args) != 2 {
		glog.Infof("[sync]%s UpdateTag expects a key and a value, got %d args\n", self.path, len(args))
		return
	}
	key, ok := args[0].(string)
	if !ok {
		glog.Infof("[sync]%s UpdateTag key must be a string, got %T\n", self.path, args[0])
		return
	}

	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()
	setTagLocked(self.tags, key, args[1])
	if self.snapshot != nil {
		self.snapshot.tags[key] = args[1]
	}
}

// replica side. Asks the authoritative side for the current child descriptors.
func (self *RemoteNode) FetchChildren(ctx context.Context) ([]*ChildDescriptor, error) {
	if err := self.requireSide(SideReplica); err != nil {
		return nil, err
	}
	value, err := self.call(ctx, AuthoritativeId, protocol.RequestKind_GetChildren, nil, self.engine.settings.ReplicaCallTimeout)
	if err != nil {
		return nil, err
	}
	return parseDescriptors(value)
}

// replica side. Asks the authoritative side for the current tags.
func (self *RemoteNode) FetchTags(ctx context.Context) (map[string]any, error) {
	if err := self.requireSide(SideReplica); err != nil {
		return nil, err
	}
	value, err := self.call(ctx, AuthoritativeId, protocol.RequestKind_GetTags, nil, self.engine.settings.ReplicaCallTimeout)
	if err != nil {
		return nil, err
	}
	return parseTags(value)
}
