package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"

	"github.com/BazirGames/Remote/protocol"
)

// Node channels are multiplexed over one conn per replica.
// The authoritative side announces channel addresses with open/close/move frames,
// and both sides exchange data frames addressed to a channel.
// All frames to one peer go through one send queue, so per-peer order is the send order.

var ErrPeerConnected = errors.New("Peer already connected.")

func openFrame(address string) []byte {
	return protocol.MarshalMuxFrame(&protocol.MuxFrame{
		FrameType: protocol.FrameType_Open,
		Address:   address,
	})
}

func closeFrame(address string) []byte {
	return protocol.MarshalMuxFrame(&protocol.MuxFrame{
		FrameType: protocol.FrameType_Close,
		Address:   address,
	})
}

func moveFrame(address string, toAddress string) []byte {
	return protocol.MarshalMuxFrame(&protocol.MuxFrame{
		FrameType: protocol.FrameType_Move,
		Address:   address,
		ToAddress: toAddress,
	})
}

func dataFrame(address string, payload []byte) []byte {
	if payload == nil {
		payload = []byte{}
	}
	return protocol.MarshalMuxFrame(&protocol.MuxFrame{
		FrameType: protocol.FrameType_Data,
		Address:   address,
		Payload:   payload,
	})
}

type muxPeer struct {
	peerId    Id
	conn      Conn
	cancel    context.CancelFunc
	sendQueue *sendQueue
}

type AuthoritativeTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	// address -> channel
	channels map[string]*authoritativeChannel
	peers    map[Id]*muxPeer

	peerAddedCallbacks   *CallbackList[PeerFunction]
	peerRemovedCallbacks *CallbackList[PeerFunction]
}

func NewAuthoritativeTransport(ctx context.Context) *AuthoritativeTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AuthoritativeTransport{
		ctx:                  cancelCtx,
		cancel:               cancel,
		channels:             map[string]*authoritativeChannel{},
		peers:                map[Id]*muxPeer{},
		peerAddedCallbacks:   NewCallbackList[PeerFunction](),
		peerRemovedCallbacks: NewCallbackList[PeerFunction](),
	}
}

func (self *AuthoritativeTransport) Side() Side {
	return SideAuthoritative
}

// Starts serving the replica on `conn`. Every open channel is announced to the new peer.
func (self *AuthoritativeTransport) AddConn(peerId Id, conn Conn) error {
	if peerId.IsZero() {
		return fmt.Errorf("Peer id must be non-zero.")
	}

	peer, err := func() (*muxPeer, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			return nil, ErrConnClosed
		default:
		}

		if _, ok := self.peers[peerId]; ok {
			return nil, ErrPeerConnected
		}

		peerCtx, peerCancel := context.WithCancel(self.ctx)
		peer := &muxPeer{
			peerId:    peerId,
			conn:      conn,
			cancel:    peerCancel,
			sendQueue: newSendQueue(),
		}
		self.peers[peerId] = peer

		// parents sort before their children
		addresses := maps.Keys(self.channels)
		slices.Sort(addresses)
		for _, address := range addresses {
			peer.sendQueue.push(openFrame(address))
		}

		go func() {
			err := peer.sendQueue.run(peerCtx, conn)
			self.removePeer(peer, err)
		}()

		go func() {
			for {
				message, err := conn.Receive(peerCtx)
				if err != nil {
					self.removePeer(peer, err)
					return
				}
				self.receive(peer, message)
			}
		}()

		return peer, nil
	}()
	if err != nil {
		return err
	}

	glog.V(1).Infof("[mux]+%s\n", peer.peerId)
	for _, peerAddedCallback := range self.peerAddedCallbacks.Get() {
		HandleError(func() {
			peerAddedCallback(peerId)
		})
	}
	return nil
}

func (self *AuthoritativeTransport) removePeer(peer *muxPeer, err error) {
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.peers[peer.peerId] == peer {
			delete(self.peers, peer.peerId)
			return true
		}
		return false
	}()

	peer.cancel()
	peer.conn.Close()

	if removed {
		glog.Infof("[mux]-%s = %s\n", peer.peerId, err)
		for _, peerRemovedCallback := range self.peerRemovedCallbacks.Get() {
			HandleError(func() {
				peerRemovedCallback(peer.peerId)
			})
		}
	}
}

func (self *AuthoritativeTransport) receive(peer *muxPeer, message []byte) {
	frame, err := protocol.UnmarshalMuxFrame(message)
	if err != nil {
		glog.Infof("[mux]%s-> bad frame = %s\n", peer.peerId, err)
		return
	}
	if frame.GetFrameType() != protocol.FrameType_Data {
		glog.Infof("[mux]%s-> unexpected frame %s %s\n", peer.peerId, frame.GetFrameType(), frame.GetAddress())
		return
	}

	self.stateLock.Lock()
	channel := self.channels[frame.GetAddress()]
	self.stateLock.Unlock()

	if channel == nil {
		glog.V(2).Infof("[mux]%s-> drop %s\n", peer.peerId, frame.GetAddress())
		return
	}
	channel.receive(peer.peerId, frame.Payload)
}

// must be called with the state lock
func (self *AuthoritativeTransport) broadcastLocked(message []byte) {
	for _, peer := range self.peers {
		peer.sendQueue.push(message)
	}
}

func (self *AuthoritativeTransport) OpenChannel(address string) (Channel, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.channels[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelAssigned, address)
	}
	channel := &authoritativeChannel{
		transport: self,
		address:   address,
	}
	self.channels[address] = channel
	self.broadcastLocked(openFrame(address))
	return channel, nil
}

func (self *AuthoritativeTransport) MoveChannel(channel Channel, address string) error {
	c, ok := channel.(*authoritativeChannel)
	if !ok || c.transport != self {
		return fmt.Errorf("Channel is not from this transport.")
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if c.address == address {
		return nil
	}
	if _, ok := self.channels[address]; ok {
		return fmt.Errorf("%w: %s", ErrChannelAssigned, address)
	}
	fromAddress := c.address
	delete(self.channels, fromAddress)
	c.address = address
	self.channels[address] = c
	self.broadcastLocked(moveFrame(fromAddress, address))
	return nil
}

func (self *AuthoritativeTransport) WaitChannel(ctx context.Context, address string) (Channel, error) {
	return nil, fmt.Errorf("%w: the authoritative side opens channels", ErrWrongSide)
}

func (self *AuthoritativeTransport) Peers() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peerIds := maps.Keys(self.peers)
	slices.SortFunc(peerIds, func(a Id, b Id) int {
		if a.LessThan(b) {
			return -1
		} else if b.LessThan(a) {
			return 1
		}
		return 0
	})
	return peerIds
}

func (self *AuthoritativeTransport) Evict(peerId Id) {
	self.stateLock.Lock()
	peer := self.peers[peerId]
	self.stateLock.Unlock()

	if peer != nil {
		self.removePeer(peer, errors.New("evicted"))
	}
}

func (self *AuthoritativeTransport) AddPeerAddedCallback(peerAddedCallback PeerFunction) func() {
	return self.peerAddedCallbacks.Add(peerAddedCallback)
}

func (self *AuthoritativeTransport) AddPeerRemovedCallback(peerRemovedCallback PeerFunction) func() {
	return self.peerRemovedCallbacks.Add(peerRemovedCallback)
}

func (self *AuthoritativeTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *AuthoritativeTransport) Close() {
	self.cancel()

	self.stateLock.Lock()
	peers := maps.Values(self.peers)
	self.stateLock.Unlock()

	for _, peer := range peers {
		self.removePeer(peer, ErrConnClosed)
	}
}

type authoritativeChannel struct {
	transport *AuthoritativeTransport

	// guarded by the transport state lock
	address string
	closed  bool

	receiveLock     sync.Mutex
	receiveCallback ReceiveFunction
}

func (self *authoritativeChannel) Address() string {
	self.transport.stateLock.Lock()
	defer self.transport.stateLock.Unlock()
	return self.address
}

func (self *authoritativeChannel) Send(peerId Id, message []byte) error {
	self.transport.stateLock.Lock()
	defer self.transport.stateLock.Unlock()

	if self.closed {
		return ErrConnClosed
	}
	frame := dataFrame(self.address, message)
	if peerId.IsZero() {
		self.transport.broadcastLocked(frame)
		return nil
	}
	peer, ok := self.transport.peers[peerId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerId)
	}
	peer.sendQueue.push(frame)
	return nil
}

func (self *authoritativeChannel) SetReceiveCallback(receiveCallback ReceiveFunction) {
	self.receiveLock.Lock()
	defer self.receiveLock.Unlock()
	self.receiveCallback = receiveCallback
}

func (self *authoritativeChannel) receive(peerId Id, message []byte) {
	self.receiveLock.Lock()
	receiveCallback := self.receiveCallback
	self.receiveLock.Unlock()

	if receiveCallback != nil {
		receiveCallback(peerId, message)
	}
}

func (self *authoritativeChannel) Close() {
	self.transport.stateLock.Lock()
	defer self.transport.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	if self.transport.channels[self.address] == self {
		delete(self.transport.channels, self.address)
	}
	self.transport.broadcastLocked(closeFrame(self.address))
}

type ReplicaTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn      Conn
	sendQueue *sendQueue

	stateLock        sync.Mutex
	visibleAddresses map[string]bool
	// address -> bound channel
	channels map[string]*replicaChannel

	visibleMonitor *Monitor
}

func NewReplicaTransport(ctx context.Context, conn Conn) *ReplicaTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &ReplicaTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		conn:             conn,
		sendQueue:        newSendQueue(),
		visibleAddresses: map[string]bool{},
		channels:         map[string]*replicaChannel{},
		visibleMonitor:   NewMonitor(),
	}

	go func() {
		defer transport.Close()
		err := transport.sendQueue.run(cancelCtx, conn)
		glog.V(1).Infof("[mux]send done = %s\n", err)
	}()

	go func() {
		defer transport.Close()
		for {
			message, err := conn.Receive(cancelCtx)
			if err != nil {
				glog.Infof("[mux]receive done = %s\n", err)
				return
			}
			transport.receive(message)
		}
	}()

	return transport
}

func (self *ReplicaTransport) Side() Side {
	return SideReplica
}

func (self *ReplicaTransport) receive(message []byte) {
	frame, err := protocol.UnmarshalMuxFrame(message)
	if err != nil {
		glog.Infof("[mux]<- bad frame = %s\n", err)
		return
	}

	switch frame.GetFrameType() {
	case protocol.FrameType_Open:
		self.stateLock.Lock()
		self.visibleAddresses[frame.Address] = true
		self.stateLock.Unlock()
		self.visibleMonitor.NotifyAll()
	case protocol.FrameType_Close:
		self.stateLock.Lock()
		delete(self.visibleAddresses, frame.Address)
		self.unbindLocked(frame.Address)
		self.stateLock.Unlock()
		self.visibleMonitor.NotifyAll()
	case protocol.FrameType_Move:
		self.stateLock.Lock()
		delete(self.visibleAddresses, frame.Address)
		self.unbindLocked(frame.Address)
		self.visibleAddresses[frame.ToAddress] = true
		self.stateLock.Unlock()
		self.visibleMonitor.NotifyAll()
	case protocol.FrameType_Data:
		self.stateLock.Lock()
		channel := self.channels[frame.Address]
		self.stateLock.Unlock()
		if channel == nil {
			glog.V(2).Infof("[mux]<- drop %s\n", frame.Address)
			return
		}
		channel.receive(AuthoritativeId, frame.Payload)
	default:
		glog.Infof("[mux]<- unexpected frame %s\n", frame.GetFrameType())
	}
}

// the bound handle stops receiving. The node that owns it is torn down by the tree protocol.
func (self *ReplicaTransport) unbindLocked(address string) {
	if channel, ok := self.channels[address]; ok {
		channel.bound = false
		delete(self.channels, address)
	}
}

func (self *ReplicaTransport) OpenChannel(address string) (Channel, error) {
	return nil, fmt.Errorf("%w: a replica cannot open channels", ErrWrongSide)
}

func (self *ReplicaTransport) MoveChannel(channel Channel, address string) error {
	return fmt.Errorf("%w: a replica cannot move channels", ErrWrongSide)
}

func (self *ReplicaTransport) WaitChannel(ctx context.Context, address string) (Channel, error) {
	for {
		notify := self.visibleMonitor.NotifyChannel()

		channel, err := func() (*replicaChannel, error) {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if !self.visibleAddresses[address] {
				return nil, nil
			}
			if _, ok := self.channels[address]; ok {
				return nil, fmt.Errorf("%w: %s", ErrChannelAssigned, address)
			}
			channel := &replicaChannel{
				transport: self,
				address:   address,
				bound:     true,
			}
			self.channels[address] = channel
			return channel, nil
		}()
		if err != nil {
			return nil, err
		}
		if channel != nil {
			return channel, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, fmt.Errorf("Channel %s not visible: %w", address, ctx.Err())
		case <-self.ctx.Done():
			return nil, ErrConnClosed
		}
	}
}

func (self *ReplicaTransport) Peers() []Id {
	return []Id{AuthoritativeId}
}

func (self *ReplicaTransport) Evict(peerId Id) {
}

func (self *ReplicaTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *ReplicaTransport) Close() {
	self.cancel()
	self.conn.Close()
}

type replicaChannel struct {
	transport *ReplicaTransport
	address   string

	// guarded by the transport state lock
	bound bool

	receiveLock     sync.Mutex
	receiveCallback ReceiveFunction
}

func (self *replicaChannel) Address() string {
	return self.address
}

func (self *replicaChannel) Send(peerId Id, message []byte) error {
	self.transport.stateLock.Lock()
	defer self.transport.stateLock.Unlock()

	if !self.bound {
		return ErrConnClosed
	}
	select {
	case <-self.transport.ctx.Done():
		return ErrConnClosed
	default:
	}
	self.transport.sendQueue.push(dataFrame(self.address, message))
	return nil
}

func (self *replicaChannel) SetReceiveCallback(receiveCallback ReceiveFunction) {
	self.receiveLock.Lock()
	defer self.receiveLock.Unlock()
	self.receiveCallback = receiveCallback
}

func (self *replicaChannel) receive(peerId Id, message []byte) {
	self.receiveLock.Lock()
	receiveCallback := self.receiveCallback
	self.receiveLock.Unlock()

	if receiveCallback != nil {
		receiveCallback(peerId, message)
	}
}

func (self *replicaChannel) Close() {
	self.transport.stateLock.Lock()
	defer self.transport.stateLock.Unlock()

	if self.bound {
		self.bound = false
		if self.transport.channels[self.address] == self {
			delete(self.transport.channels, self.address)
		}
	}
}
