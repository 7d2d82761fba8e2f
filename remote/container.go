package remote

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A node whose children are indexed by path.
// The index follows the child added and removed signals, on both sides.
type RemoteContainer struct {
	*RemoteNode

	indexLock sync.Mutex
	index     map[string]*RemoteNode
}

// On the authoritative side each starter path is added as a child node.
// On a replica side starters are ignored and the children come from the authoritative side.
func NewContainer(ctx context.Context, path string, starters []string, parent Parent) (*RemoteContainer, error) {
	node, err := newNode(ctx, NodeKindContainer, path, parent)
	if err != nil {
		return nil, err
	}
	container := node.Container()
	if node.engine.side == SideAuthoritative {
		for _, starter := range starters {
			if _, err := container.Add(starter); err != nil {
				node.Destroy()
				return nil, err
			}
		}
	}
	return container, nil
}

// must be called before the node is shared
func newRemoteContainer(node *RemoteNode) *RemoteContainer {
	container := &RemoteContainer{
		RemoteNode: node,
		index:      map[string]*RemoteNode{},
	}
	node.container = container
	node.OnChildAdded(func(child *RemoteNode) {
		container.indexLock.Lock()
		defer container.indexLock.Unlock()
		container.index[child.path] = child
	})
	node.OnChildRemoved(func(child *RemoteNode) {
		container.indexLock.Lock()
		defer container.indexLock.Unlock()
		if container.index[child.path] == child {
			delete(container.index, child.path)
		}
	})
	return container
}

func (self *RemoteContainer) clearIndex() {
	self.indexLock.Lock()
	defer self.indexLock.Unlock()
	clear(self.index)
}

// authoritative side. Adds a child node at `path`.
func (self *RemoteContainer) Add(path string) (*RemoteNode, error) {
	if err := self.requireSide(SideAuthoritative); err != nil {
		return nil, err
	}
	return NewRemote(self.ctx, path, self)
}

func (self *RemoteContainer) Get(path string) *RemoteNode {
	self.indexLock.Lock()
	defer self.indexLock.Unlock()
	return self.index[path]
}

func (self *RemoteContainer) Keys() []string {
	self.indexLock.Lock()
	defer self.indexLock.Unlock()
	keys := maps.Keys(self.index)
	slices.Sort(keys)
	return keys
}

func (self *RemoteContainer) Len() int {
	self.indexLock.Lock()
	defer self.indexLock.Unlock()
	return len(self.index)
}
