package remote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/BazirGames/Remote/protocol"
)

func argTypes(args []any) string {
	types := make([]string, 0, len(args))
	for _, arg := range args {
		switch arg.(type) {
		case nil:
			types = append(types, "nil")
		case bool:
			types = append(types, "bool")
		case float64:
			types = append(types, "number")
		case string:
			types = append(types, "string")
		case []any:
			types = append(types, "list")
		case map[string]any:
			types = append(types, "map")
		default:
			types = append(types, fmt.Sprintf("%T", arg))
		}
	}
	return strings.Join(types, ", ")
}

// runs on the dispatch loop
func (self *RemoteNode) dispatch(peerId Id, message []byte) {
	requestKind, callId, args, err := DecodeEnvelope(message)
	if err != nil {
		if !errors.Is(err, ErrDecodeFailure) {
			self.protocolViolation(peerId, err)
			return
		}
		// the request is still served, with no arguments
		glog.Infof("[dispatch]%s<-%s %s %s = %s\n", self.path, peerId, requestKind, callId, err)
	}

	if glog.V(2) {
		glog.Infof(
			"[dispatch]%s<-%s %s %s %s => %s\n",
			self.path,
			peerId,
			ByteCountHumanReadable(ByteCount(len(message))),
			requestKind,
			callId,
			argTypes(args),
		)
	}

	if self.IsDestroyed() {
		glog.V(2).Infof("[dispatch]%s destroyed, drop %s\n", self.path, requestKind)
		return
	}

	switch self.engine.side {
	case SideAuthoritative:
		self.dispatchAuthoritative(peerId, requestKind, callId, args)
	default:
		self.dispatchReplica(requestKind, callId, args)
	}
}

func (self *RemoteNode) dispatchAuthoritative(peerId Id, requestKind protocol.RequestKind, callId Id, args []any) {
	switch requestKind {
	case protocol.RequestKind_FireServer:
		self.fireEvent(peerId, args)
	case protocol.RequestKind_InvokeServer:
		go self.handleInvoke(peerId, requestKind, callId, args)
	case protocol.RequestKind_InvokeClient:
		self.resolveReply(callId, args)
	case protocol.RequestKind_GetChildren:
		self.replySnapshot(peerId, requestKind, callId, func() any {
			return self.childrenValueLocked()
		})
	case protocol.RequestKind_GetTags:
		self.replySnapshot(peerId, requestKind, callId, func() any {
			return self.tagsValueLocked()
		})
	case protocol.RequestKind_GetProperties:
		self.replySnapshot(peerId, requestKind, callId, func() any {
			return self.propertiesValueLocked()
		})
	default:
		self.protocolViolation(peerId, fmt.Errorf("%w: %s from a replica", ErrProtocolViolation, requestKind))
	}
}

func (self *RemoteNode) dispatchReplica(requestKind protocol.RequestKind, callId Id, args []any) {
	switch requestKind {
	case protocol.RequestKind_FireClient:
		self.fireEvent(AuthoritativeId, args)
	case protocol.RequestKind_InvokeClient:
		go self.handleInvoke(AuthoritativeId, requestKind, callId, args)
	case protocol.RequestKind_InvokeServer,
		protocol.RequestKind_GetChildren,
		protocol.RequestKind_GetTags:
		self.resolveReply(callId, args)
	case protocol.RequestKind_GetProperties:
		self.engine.stateLock.Lock()
		self.snapshotReceivedLocked()
		self.engine.stateLock.Unlock()
		self.resolveReply(callId, args)
	case protocol.RequestKind_ChildAdded:
		self.applyChildAdded(args)
	case protocol.RequestKind_ChildRemoved:
		self.applyChildRemoved(args)
	case protocol.RequestKind_UpdateTag:
		self.applyUpdateTag(args)
	default:
		glog.Infof("[dispatch]%s unexpected %s from the authoritative side\n", self.path, requestKind)
	}
}

// Only the authoritative side reports violations. The host decides what to do with the peer.
func (self *RemoteNode) protocolViolation(peerId Id, err error) {
	glog.Infof("[dispatch]%s<-%s protocol violation = %s\n", self.path, peerId, err)
	if self.engine.side != SideAuthoritative {
		return
	}
	if onProtocolViolation := self.engine.settings.OnProtocolViolation; onProtocolViolation != nil {
		HandleError(func() {
			onProtocolViolation(peerId, err)
		})
	}
}

func (self *RemoteNode) resolveReply(callId Id, args []any) {
	if !self.engine.pendingCalls.Resolve(callId, CallResult{Args: args}) {
		glog.V(1).Infof("[dispatch]%s late reply %s discarded\n", self.path, callId)
	}
}

// Runs the invoke handler and replies with the same kind and correlation id.
func (self *RemoteNode) handleInvoke(peerId Id, requestKind protocol.RequestKind, callId Id, args []any) {
	self.engine.stateLock.Lock()
	invokeHandler := self.invokeHandler
	self.engine.stateLock.Unlock()

	var reply []any
	if invokeHandler == nil {
		reply = failureReply(newCallError(ErrNotBound, "%s isn't bound", self.path))
	} else {
		var value any
		var handlerErr error
		if r := HandleError(func() {
			value, handlerErr = invokeHandler(peerId, args)
		}); r != nil {
			reply = failureReply(newCallError(ErrHandlerFault, "%v", r))
		} else if handlerErr != nil {
			reply = failureReply(toCallError(handlerErr))
		} else {
			reply = successReply(value)
		}
	}

	self.reply(peerId, requestKind, callId, reply)
}

// The snapshot is taken and sent in one lock hold, so every delta sent before the reply
// is older than the snapshot and every delta sent after it is newer.
func (self *RemoteNode) replySnapshot(peerId Id, requestKind protocol.RequestKind, callId Id, snapshotLocked func() any) {
	self.engine.stateLock.Lock()
	defer self.engine.stateLock.Unlock()

	if err := self.sendLocked(peerId, requestKind, callId, successReply(snapshotLocked())); err != nil {
		glog.V(1).Infof("[dispatch]%s reply %s %s not sent = %s\n", self.path, requestKind, callId, err)
	}
}

func (self *RemoteNode) reply(peerId Id, requestKind protocol.RequestKind, callId Id, reply []any) {
	err := self.send(peerId, requestKind, callId, reply)
	if err != nil && !errors.Is(err, ErrDestroyed) && !errors.Is(err, ErrConnClosed) && !errors.Is(err, ErrPeerNotFound) {
		// the handler result can't be encoded
		glog.Infof("[dispatch]%s reply %s %s error = %s\n", self.path, requestKind, callId, err)
		err = self.send(peerId, requestKind, callId, failureReply(newCallError(ErrHandlerFault, "unrepresentable result: %s", err)))
	}
	if err != nil {
		glog.V(1).Infof("[dispatch]%s reply %s %s not sent = %s\n", self.path, requestKind, callId, err)
	}
}
