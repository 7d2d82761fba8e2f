package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const WsBufferSize = 32

type WsSettings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultWsSettings() *WsSettings {
	return &WsSettings{
		HandshakeTimeout: 2 * time.Second,
		PingTimeout:      1 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
	}
}

// a `Conn` over a websocket. A zero-length binary message is a ping.
type WsConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsSettings
	tag      string

	send    chan []byte
	receive chan []byte

	closeOnce sync.Once
}

func NewWsConn(ctx context.Context, ws *websocket.Conn, tag string, settings *WsSettings) *WsConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &WsConn{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		tag:      tag,
		send:     make(chan []byte, WsBufferSize),
		receive:  make(chan []byte, WsBufferSize),
	}
	go conn.runSend()
	go conn.runReceive()
	return conn
}

func (self *WsConn) runSend() {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[ws]%s-> error = %s\n", self.tag, err)
				return
			}
			glog.V(2).Infof("[ws]%s-> %s\n", self.tag, ByteCountHumanReadable(ByteCount(len(message))))
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				glog.Infof("[ws]ping %s-> error = %s\n", self.tag, err)
				return
			}
		}
	}
}

func (self *WsConn) runReceive() {
	defer self.Close()

	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[ws]%s<- error = %s\n", self.tag, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				glog.V(2).Infof("[ws]%s<- %s\n", self.tag, ByteCountHumanReadable(ByteCount(len(message))))
			}
		default:
			glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, self.tag)
		}
	}
}

func (self *WsConn) Send(ctx context.Context, message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case self.send <- message:
		return nil
	}
}

func (self *WsConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-self.ctx.Done():
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case message := <-self.receive:
		return message, nil
	}
}

func (self *WsConn) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.ws.Close()
	})
}

// Upgrades authenticated replicas and adds them to the authoritative transport.
// The replica presents its peer token as `Authorization: Bearer <token>`.
type WsServer struct {
	ctx       context.Context
	transport *AuthoritativeTransport
	secret    []byte
	settings  *WsSettings
	upgrader  websocket.Upgrader
}

func NewWsServer(ctx context.Context, transport *AuthoritativeTransport, secret []byte, settings *WsSettings) *WsServer {
	return &WsServer{
		ctx:       ctx,
		transport: transport,
		secret:    secret,
		settings:  settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

func bearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (self *WsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerId, err := ParsePeerToken(self.secret, bearerToken(r))
	if err != nil {
		glog.Infof("[ws]auth error %s = %s\n", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		glog.Infof("[ws]upgrade error %s = %s\n", peerId, err)
		return
	}

	conn := NewWsConn(self.ctx, ws, peerId.String(), self.settings)
	if err := self.transport.AddConn(peerId, conn); err != nil {
		glog.Infof("[ws]add error %s = %s\n", peerId, err)
		conn.Close()
	}
}

func DialWs(ctx context.Context, url string, token string, settings *WsSettings) (*WsConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWsConn(ctx, ws, "authoritative", settings), nil
}
