package remote

import (
	"context"
	"errors"
	"sync"
)

var ErrConnClosed = errors.New("Conn closed.")
var ErrPeerNotFound = errors.New("Peer not connected.")

// one ordered reliable message pipe between the authoritative side and a replica
type Conn interface {
	Send(ctx context.Context, message []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close()
}

type ReceiveFunction func(peerId Id, message []byte)

type PeerFunction func(peerId Id)

// the per-node channel handle
type Channel interface {
	Address() string
	// A zero `peerId` broadcasts to every replica (authoritative side)
	// or targets the single authoritative peer (replica side).
	Send(peerId Id, message []byte) error
	SetReceiveCallback(receiveCallback ReceiveFunction)
	Close()
}

// the host-provided channel primitive
type Transport interface {
	Side() Side
	// authoritative side only
	OpenChannel(address string) (Channel, error)
	// authoritative side only
	MoveChannel(channel Channel, address string) error
	// replica side only. Blocks until the address is visible or `ctx` is done.
	WaitChannel(ctx context.Context, address string) (Channel, error)
	Peers() []Id
	Evict(peerId Id)
	Done() <-chan struct{}
	Close()
}

// a non-blocking queue of outbound messages drained by one writer goroutine per conn
type sendQueue struct {
	mutex    sync.Mutex
	messages [][]byte
	notify   chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{
		notify: make(chan struct{}, 1),
	}
}

func (self *sendQueue) push(message []byte) {
	self.mutex.Lock()
	self.messages = append(self.messages, message)
	self.mutex.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *sendQueue) drain() [][]byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	messages := self.messages
	self.messages = nil
	return messages
}

// returns when the conn fails or ctx is done
func (self *sendQueue) run(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.notify:
		}
		for _, message := range self.drain() {
			if err := conn.Send(ctx, message); err != nil {
				return err
			}
		}
	}
}
