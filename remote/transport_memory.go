package remote

import (
	"context"
	"sync"
)

// in-process ordered conns. Closing either end closes both.
type memoryConn struct {
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan<- []byte
	receive   <-chan []byte
	closeOnce *sync.Once
}

func NewMemoryConnPair(ctx context.Context, bufferSize int) (Conn, Conn) {
	pairCtx, cancel := context.WithCancel(ctx)
	closeOnce := &sync.Once{}
	aToB := make(chan []byte, bufferSize)
	bToA := make(chan []byte, bufferSize)
	a := &memoryConn{
		ctx:       pairCtx,
		cancel:    cancel,
		send:      aToB,
		receive:   bToA,
		closeOnce: closeOnce,
	}
	b := &memoryConn{
		ctx:       pairCtx,
		cancel:    cancel,
		send:      bToA,
		receive:   aToB,
		closeOnce: closeOnce,
	}
	return a, b
}

func (self *memoryConn) Send(ctx context.Context, message []byte) error {
	if self.ctx.Err() != nil {
		return ErrConnClosed
	}
	messageCopy := make([]byte, len(message))
	copy(messageCopy, message)
	select {
	case <-self.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case self.send <- messageCopy:
		return nil
	}
}

func (self *memoryConn) Receive(ctx context.Context) ([]byte, error) {
	if self.ctx.Err() != nil {
		return nil, ErrConnClosed
	}
	select {
	case <-self.ctx.Done():
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case message := <-self.receive:
		return message, nil
	}
}

func (self *memoryConn) Close() {
	self.closeOnce.Do(self.cancel)
}
