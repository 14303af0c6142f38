package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/glasswing/mirror/fact"
	"github.com/glasswing/mirror/protocol"
)

// session state machine is:
// SessionStateDisconnected
//
//	-> SessionStateConnecting
//	  -> SessionStateOpen
//	    -> SessionStateError -> SessionStateDisconnected (reconnect)
//	  -> SessionStateError -> SessionStateDisconnected (reconnect)
//	-> SessionStateClosing -> SessionStateDisconnected (final)
type SessionState string

const (
	SessionStateDisconnected SessionState = "Disconnected"
	SessionStateConnecting   SessionState = "Connecting"
	SessionStateOpen         SessionState = "Open"
	SessionStateClosing      SessionState = "Closing"
	SessionStateError        SessionState = "Error"
)

func (self SessionState) IsTerminal() bool {
	switch self {
	case SessionStateClosing:
		return true
	default:
		return false
	}
}

func (self SessionState) IsActive() bool {
	switch self {
	case SessionStateConnecting, SessionStateOpen:
		return true
	default:
		return false
	}
}

type SessionSettings struct {
	WsHandshakeTimeout time.Duration
	// bounds the hello exchange; connect plus hello is the only watchdog,
	// in-flight invocations have no timeout of their own
	HelloTimeout     time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		WsHandshakeTimeout: 2 * time.Second,
		HelloTimeout:       2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// Session is the persistent duplex connection to the remote store. It owns
// the reconnect loop, the hello handshake with backfill, the ordered
// outbound queue, and the inbound deliver/return dispatch. Commands invoked
// while disconnected buffer and flush on the next open.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	auth  *ClientAuth
	space fact.Entity

	settings *SessionSettings

	clientId string

	sendQueue  *sessionQueue
	sendNotify chan struct{}

	stateLock     sync.Mutex
	state         SessionState
	sinceSequence fact.Seq
	subscriptions map[fact.Hash]*protocol.Invocation

	stateCallbacks   *CallbackList[SessionStateFunction]
	deliverCallbacks *CallbackList[DeliverFunction]
}

func NewSessionWithDefaults(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	space fact.Entity,
) (*Session, error) {
	return NewSession(ctx, url, auth, space, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	space fact.Entity,
	settings *SessionSettings,
) (*Session, error) {
	clientId, err := auth.ClientId()
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		auth:             auth,
		space:            space,
		settings:         settings,
		clientId:         clientId,
		sendQueue:        newSessionQueue(),
		sendNotify:       make(chan struct{}, 1),
		state:            SessionStateDisconnected,
		sinceSequence:    fact.UnclaimedSeq,
		subscriptions:    map[fact.Hash]*protocol.Invocation{},
		stateCallbacks:   NewCallbackList[SessionStateFunction](),
		deliverCallbacks: NewCallbackList[DeliverFunction](),
	}
	go session.run()
	return session, nil
}

func (self *Session) ClientId() string {
	return self.clientId
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// SinceSequence is the highest delivery epoch this session has acked. The
// next hello asks the remote to backfill from here.
func (self *Session) SinceSequence() fact.Seq {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sinceSequence
}

func (self *Session) AddStateCallback(stateCallback SessionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddDeliverCallback(deliverCallback DeliverFunction) func() {
	callbackId := self.deliverCallbacks.Add(deliverCallback)
	return func() {
		self.deliverCallbacks.Remove(callbackId)
	}
}

func (self *Session) setState(state SessionState) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == state {
			return
		}
		// once closing, only the final disconnect may land
		if self.state.IsTerminal() && state != SessionStateDisconnected {
			return
		}
		self.state = state
		changed = true
	}()

	if changed {
		glog.V(2).Infof("[s]%s state %s\n", self.clientId, state)
		if callbacks := self.stateCallbacks.Get(); 0 < len(callbacks) {
			for _, callback := range callbacks {
				func() {
					defer handleCallbackPanic()
					callback(state)
				}()
			}
		}
	}
}

func (self *Session) notifySend() {
	select {
	case self.sendNotify <- struct{}{}:
	default:
	}
}

func (self *Session) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			self.setState(SessionStateDisconnected)
			return
		default:
		}

		self.setState(SessionStateConnecting)

		ws, err := self.connect()
		if err != nil {
			glog.Infof("[s]connect error %s = %s\n", self.clientId, err)
			self.setState(SessionStateError)
			select {
			case <-self.ctx.Done():
				self.setState(SessionStateDisconnected)
				return
			case <-time.After(self.settings.ReconnectTimeout):
				self.setState(SessionStateDisconnected)
				continue
			}
		}

		self.resubscribe()
		self.setState(SessionStateOpen)

		self.pump(ws)

		if requeued := self.sendQueue.RequeueSent(); 0 < requeued {
			glog.V(2).Infof("[s]%s requeue %d\n", self.clientId, requeued)
		}

		select {
		case <-self.ctx.Done():
			self.setState(SessionStateDisconnected)
			return
		default:
		}

		self.setState(SessionStateError)
		select {
		case <-self.ctx.Done():
			self.setState(SessionStateDisconnected)
			return
		case <-time.After(self.settings.ReconnectTimeout):
			self.setState(SessionStateDisconnected)
		}
	}
}

// connect dials, sends hello with the backfill sequence, and verifies the
// hello return before handing the socket to the pumps.
func (self *Session) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	invocation, err := protocol.NewInvocation(
		self.clientId,
		protocol.CommandHello,
		self.space,
		&protocol.Hello{
			ClientId:      self.clientId,
			SinceSequence: self.SinceSequence(),
		},
	)
	if err != nil {
		return nil, err
	}
	helloRef, err := invocation.Ref()
	if err != nil {
		return nil, err
	}
	envelopeBytes, err := protocol.EncodeEnvelope(&protocol.Envelope{
		Invocation:    invocation,
		Authorization: self.auth.ByJwt,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.HelloTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, envelopeBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.HelloTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	envelope, err := protocol.DecodeEnvelope(message)
	if err != nil {
		return nil, err
	}
	if envelope.Invocation.Command != protocol.CommandReturn {
		return nil, fmt.Errorf("hello response error: %s", envelope.Invocation.Command)
	}
	args, err := protocol.ParseArgs(envelope.Invocation)
	if err != nil {
		return nil, err
	}
	ret := args.(*protocol.Return)
	if ret.Of != helloRef {
		return nil, fmt.Errorf("hello response error: bad correlation")
	}
	result, err := ret.Result()
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, wireError(result.Error)
	}

	success = true
	return ws, nil
}

// resubscribe re-enqueues every retained subscription. Content addressing
// dedupes against an original subscribe that is still pending.
func (self *Session) resubscribe() {
	var invocations []*protocol.Invocation
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		invocations = make([]*protocol.Invocation, 0, len(self.subscriptions))
		for _, invocation := range self.subscriptions {
			invocations = append(invocations, invocation)
		}
	}()

	for _, invocation := range invocations {
		ref, err := invocation.Ref()
		if err != nil {
			continue
		}
		envelopeBytes, err := protocol.EncodeEnvelope(&protocol.Envelope{
			Invocation:    invocation,
			Authorization: self.auth.ByJwt,
		})
		if err != nil {
			continue
		}
		self.sendQueue.Add(&sessionItem{
			ref:           ref,
			command:       invocation.Command,
			envelopeBytes: envelopeBytes,
		})
	}
	if 0 < len(invocations) {
		glog.V(2).Infof("[s]%s resubscribe %d\n", self.clientId, len(invocations))
		self.notifySend()
	}
}

func (self *Session) pump(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			item := self.sendQueue.NextToSend()
			if item == nil {
				select {
				case <-handleCtx.Done():
					return
				case <-self.sendNotify:
					continue
				case <-time.After(self.settings.PingTimeout):
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
						// note that for websocket a deadline timeout cannot be recovered
						return
					}
					continue
				}
			}

			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, item.envelopeBytes); err != nil {
				glog.Infof("[ss]%s-> error = %s\n", self.clientId, err)
				self.sendQueue.Requeue(item)
				return
			}
			glog.V(2).Infof("[ss]%s-> %s\n", self.clientId, item.command)
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[sr]%s<- error = %s\n", self.clientId, err)
				return
			}
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[sr]ping %s<-\n", self.clientId)
				continue
			}
			self.receive(message)
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *Session) receive(message []byte) {
	envelope, err := protocol.DecodeEnvelope(message)
	if err != nil {
		glog.Infof("[sr]%s<- decode error = %s\n", self.clientId, err)
		return
	}
	args, err := protocol.ParseArgs(envelope.Invocation)
	if err != nil {
		glog.Infof("[sr]%s<- args error = %s\n", self.clientId, err)
		return
	}

	switch v := args.(type) {
	case *protocol.Return:
		item := self.sendQueue.Resolve(v.Of)
		if item == nil {
			glog.V(2).Infof("[sr]%s<- orphan return\n", self.clientId)
			return
		}
		if item.result == nil {
			return
		}
		result, err := v.Result()
		if err != nil {
			glog.Infof("[sr]%s<- result error = %s\n", self.clientId, err)
			item.result <- nil
			return
		}
		item.result <- result
	case *protocol.Deliver:
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.sinceSequence < fact.Seq(v.Epoch) {
				self.sinceSequence = fact.Seq(v.Epoch)
			}
		}()
		self.ack(v)
		glog.V(2).Infof("[sr]%s<- deliver epoch=%d\n", self.clientId, v.Epoch)
		if callbacks := self.deliverCallbacks.Get(); 0 < len(callbacks) {
			for _, callback := range callbacks {
				func() {
					defer handleCallbackPanic()
					callback(v)
				}()
			}
		}
	default:
		glog.V(2).Infof("[sr]other=%s %s<-\n", envelope.Invocation.Command, self.clientId)
	}
}

// ack is fire-and-forget. A lost ack only means the remote re-delivers,
// which the merge rule absorbs.
func (self *Session) ack(deliver *protocol.Deliver) {
	invocation, err := protocol.NewInvocation(
		self.clientId,
		protocol.CommandAck,
		self.space,
		&protocol.Ack{
			StreamId: deliver.StreamId,
			Epoch:    deliver.Epoch,
		},
	)
	if err != nil {
		glog.Infof("[s]%s ack error = %s\n", self.clientId, err)
		return
	}
	ref, err := invocation.Ref()
	if err != nil {
		return
	}
	envelopeBytes, err := protocol.EncodeEnvelope(&protocol.Envelope{
		Invocation:    invocation,
		Authorization: self.auth.ByJwt,
	})
	if err != nil {
		return
	}
	self.sendQueue.Add(&sessionItem{
		ref:           ref,
		command:       invocation.Command,
		envelopeBytes: envelopeBytes,
	})
	self.notifySend()
}

func (self *Session) invoke(ctx context.Context, invocation *protocol.Invocation) (*protocol.Result, error) {
	if self.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}

	ref, err := invocation.Ref()
	if err != nil {
		return nil, err
	}
	envelopeBytes, err := protocol.EncodeEnvelope(&protocol.Envelope{
		Invocation:    invocation,
		Authorization: self.auth.ByJwt,
	})
	if err != nil {
		return nil, err
	}

	item := &sessionItem{
		ref:           ref,
		command:       invocation.Command,
		envelopeBytes: envelopeBytes,
		result:        make(chan *protocol.Result, 1),
	}
	if !self.sendQueue.Add(item) {
		return nil, fmt.Errorf("duplicate invocation already in flight: %s", invocation.Command)
	}
	self.notifySend()

	select {
	case <-ctx.Done():
		// withdraw; a late return becomes an orphan
		self.sendQueue.Resolve(ref)
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrSessionClosed
	case result := <-item.result:
		if result == nil {
			return nil, fmt.Errorf("%w: malformed return for %s", ErrConnection, invocation.Command)
		}
		return result, nil
	}
}

// Transport implementation

func (self *Session) Get(ctx context.Context, query *protocol.Query) (*protocol.Result, error) {
	invocation, err := protocol.NewInvocation(
		self.clientId,
		protocol.CommandGet,
		self.space,
		&protocol.QueryArgs{
			ConsumerId: self.clientId,
			Query:      query,
		},
	)
	if err != nil {
		return nil, err
	}
	return self.invoke(ctx, invocation)
}

// Subscribe invokes the query as durable interest. The invocation is
// retained and re-issued after every reconnect hello.
func (self *Session) Subscribe(ctx context.Context, query *protocol.Query) (*protocol.Result, error) {
	invocation, err := protocol.NewInvocation(
		self.clientId,
		protocol.CommandSubscribe,
		self.space,
		&protocol.QueryArgs{
			ConsumerId: self.clientId,
			Query:      query,
		},
	)
	if err != nil {
		return nil, err
	}
	ref, err := invocation.Ref()
	if err != nil {
		return nil, err
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.subscriptions[ref] = invocation
	}()

	return self.invoke(ctx, invocation)
}

func (self *Session) Transact(ctx context.Context, tx *protocol.Transaction) (*protocol.Result, error) {
	invocation, err := protocol.NewInvocation(
		self.clientId,
		protocol.CommandTransact,
		self.space,
		tx,
	)
	if err != nil {
		return nil, err
	}
	return self.invoke(ctx, invocation)
}

func (self *Session) Close() {
	self.setState(SessionStateClosing)
	self.cancel()
}
