package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// a hub over a reconnecting websocket. frames are json envelopes:
// auth, call, result, subscribe, unsubscribe, event, ping.
// the platform echoes the auth frame to accept the connection.

const (
	frameTypeAuth        = "auth"
	frameTypeCall        = "call"
	frameTypeResult      = "result"
	frameTypeSubscribe   = "subscribe"
	frameTypeUnsubscribe = "unsubscribe"
	frameTypeEvent       = "event"
	frameTypePing        = "ping"
)

type hubFrame struct {
	Type      string          `json:"type"`
	FrameId   Id              `json:"frameId,omitempty"`
	Name      string          `json:"name,omitempty"`
	SessionId string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type HubAuth struct {
	ByJwt      string `json:"byJwt"`
	InstanceId Id     `json:"instanceId"`
	AppVersion string `json:"appVersion"`
}

func (self *HubAuth) ClientId() (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}
	claims := token.Claims.(gojwt.MapClaims)
	if clientIdStr, ok := claims["client_id"]; ok {
		return ParseId(clientIdStr.(string))
	}
	return Id{}, errors.New("jwt missing client_id")
}

type PlatformHubSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	CallTimeout        time.Duration
}

func DefaultPlatformHubSettings() *PlatformHubSettings {
	return &PlatformHubSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		CallTimeout:        15 * time.Second,
	}
}

type hubSubscription struct {
	subId   Id
	name    string
	scope   Scope
	handler MessageFunction
}

type PlatformHub struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	auth        *HubAuth
	settings    *PlatformHubSettings

	stateMonitor *Monitor

	mutex         sync.Mutex
	state         ConnectionState
	send          chan *hubFrame
	pendingCalls  map[Id]chan *hubFrame
	subscriptions map[Id]*hubSubscription

	connectionCallbacks *CallbackList[ConnectionFunction]
}

func NewPlatformHubWithDefaults(ctx context.Context, platformUrl string, auth *HubAuth) *PlatformHub {
	return NewPlatformHub(ctx, platformUrl, auth, DefaultPlatformHubSettings())
}

func NewPlatformHub(
	ctx context.Context,
	platformUrl string,
	auth *HubAuth,
	settings *PlatformHubSettings,
) *PlatformHub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &PlatformHub{
		ctx:                 cancelCtx,
		cancel:              cancel,
		platformUrl:         platformUrl,
		auth:                auth,
		settings:            settings,
		stateMonitor:        NewMonitor(),
		state:               ConnectionStateDisconnected,
		send:                make(chan *hubFrame),
		pendingCalls:        map[Id]chan *hubFrame{},
		subscriptions:       map[Id]*hubSubscription{},
		connectionCallbacks: NewCallbackList[ConnectionFunction](),
	}
	go hub.run()
	return hub
}

func (self *PlatformHub) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *PlatformHub) setState(state ConnectionState) {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()

	for _, connectionCallback := range self.connectionCallbacks.Get() {
		func() {
			defer func() { recover() }()
			connectionCallback(state)
		}()
	}
	self.stateMonitor.NotifyAll()
}

func (self *PlatformHub) OnConnection(handler ConnectionFunction) func() {
	callbackId := self.connectionCallbacks.Add(handler)
	return func() {
		self.connectionCallbacks.Remove(callbackId)
	}
}

// blocks until the hub is connected, the context is done, or the hub closes
func (self *PlatformHub) WaitForConnect(ctx context.Context) error {
	for {
		notify := self.stateMonitor.NotifyChannel()
		if self.State() == ConnectionStateConnected {
			return nil
		}
		select {
		case <-self.ctx.Done():
			return ErrDisconnected
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

func (self *PlatformHub) run() {
	defer self.cancel()

	clientId, _ := self.auth.ClientId()

	authPayload, err := json.Marshal(self.auth)
	if err != nil {
		return
	}
	authBytes, err := json.Marshal(&hubFrame{
		Type:    frameTypeAuth,
		Payload: authPayload,
	})
	if err != nil {
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.platformUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			// verify the auth echo
			var authResult hubFrame
			if err := json.Unmarshal(message, &authResult); err != nil {
				return nil, err
			}
			if authResult.Type != frameTypeAuth {
				return nil, fmt.Errorf("auth response error: %s", authResult.Type)
			}
			if authResult.Error != "" {
				return nil, fmt.Errorf("auth error: %s", authResult.Error)
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[h]auth error %s = %s\n", clientId, err)
			self.setState(ConnectionStateError)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.setState(ConnectionStateConnected)
		// replay existing subscriptions once the pump drains
		go self.resubscribe()
		self.pump(ws)
		self.setState(ConnectionStateDisconnected)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// read and write until the connection drops
func (self *PlatformHub) pump(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-self.send:
				frameBytes, err := json.Marshal(frame)
				if err != nil {
					glog.Infof("[hs]bad frame = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[hs]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[hs]%s->\n", frame.Type)
			case <-time.After(self.settings.PingTimeout):
				pingBytes, _ := json.Marshal(&hubFrame{Type: frameTypePing})
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, pingBytes); err != nil {
					return
				}
			}
		}
	}()

	func() {
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
				glog.Infof("[hr]<- error = %s\n", err)
				return
			}

			var frame hubFrame
			if err := json.Unmarshal(message, &frame); err != nil {
				glog.Infof("[hr]bad frame = %s\n", err)
				continue
			}

			switch frame.Type {
			case frameTypePing:
			case frameTypeResult:
				self.mutex.Lock()
				result, ok := self.pendingCalls[frame.FrameId]
				if ok {
					delete(self.pendingCalls, frame.FrameId)
				}
				self.mutex.Unlock()
				if ok {
					result <- &frame
				}
				glog.V(2).Infof("[hr]result %s<-\n", frame.FrameId)
			case frameTypeEvent:
				for _, subscription := range self.matchSubscriptions(frame.Name, frame.SessionId) {
					payload := frame.Payload
					handler := subscription.handler
					func() {
						defer func() { recover() }()
						handler(payload)
					}()
				}
				glog.V(2).Infof("[hr]event %s<-\n", frame.Name)
			default:
				glog.V(2).Infof("[hr]other=%s<-\n", frame.Type)
			}
		}
	}()
}

func (self *PlatformHub) matchSubscriptions(name string, sessionId string) []*hubSubscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	matched := []*hubSubscription{}
	for _, subscription := range self.subscriptions {
		if subscription.name == name && subscription.scope.SessionId == sessionId {
			matched = append(matched, subscription)
		}
	}
	return matched
}

func (self *PlatformHub) resubscribe() {
	self.mutex.Lock()
	subscriptions := []*hubSubscription{}
	for _, subscription := range self.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		frame := &hubFrame{
			Type:      frameTypeSubscribe,
			FrameId:   subscription.subId,
			Name:      subscription.name,
			SessionId: subscription.scope.SessionId,
		}
		select {
		case <-self.ctx.Done():
			return
		case self.send <- frame:
		case <-time.After(self.settings.WriteTimeout):
			glog.Infof("[h]resubscribe %s timeout\n", subscription.name)
		}
	}
}

func (self *PlatformHub) sendFrameWithResult(ctx context.Context, frame *hubFrame) (*hubFrame, error) {
	result := make(chan *hubFrame, 1)
	self.mutex.Lock()
	self.pendingCalls[frame.FrameId] = result
	self.mutex.Unlock()
	defer func() {
		self.mutex.Lock()
		delete(self.pendingCalls, frame.FrameId)
		self.mutex.Unlock()
	}()

	if err := self.WaitForConnect(ctx); err != nil {
		return nil, err
	}

	select {
	case <-self.ctx.Done():
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	case self.send <- frame:
	case <-time.After(self.settings.CallTimeout):
		return nil, fmt.Errorf("%s %s send timeout", frame.Type, frame.Name)
	}

	select {
	case <-self.ctx.Done():
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	case resultFrame := <-result:
		if resultFrame.Error != "" {
			return nil, errors.New(resultFrame.Error)
		}
		return resultFrame, nil
	case <-time.After(self.settings.CallTimeout):
		return nil, fmt.Errorf("%s %s result timeout", frame.Type, frame.Name)
	}
}

func (self *PlatformHub) Call(ctx context.Context, name string, payload any, scope Scope) (json.RawMessage, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	frame := &hubFrame{
		Type:      frameTypeCall,
		FrameId:   NewId(),
		Name:      name,
		SessionId: scope.SessionId,
		Payload:   payloadBytes,
	}
	resultFrame, err := self.sendFrameWithResult(ctx, frame)
	if err != nil {
		return nil, err
	}
	return resultFrame.Payload, nil
}

func (self *PlatformHub) Subscribe(ctx context.Context, name string, scope Scope, handler MessageFunction) (func(), error) {
	subId := NewId()
	subscription := &hubSubscription{
		subId:   subId,
		name:    name,
		scope:   scope,
		handler: handler,
	}

	// register before the ack so no event delivered after the platform
	// activates the subscription is missed
	self.mutex.Lock()
	self.subscriptions[subId] = subscription
	self.mutex.Unlock()

	frame := &hubFrame{
		Type:      frameTypeSubscribe,
		FrameId:   subId,
		Name:      name,
		SessionId: scope.SessionId,
	}
	if _, err := self.sendFrameWithResult(ctx, frame); err != nil {
		self.mutex.Lock()
		delete(self.subscriptions, subId)
		self.mutex.Unlock()
		return nil, err
	}

	unsub := func() {
		self.mutex.Lock()
		delete(self.subscriptions, subId)
		self.mutex.Unlock()

		frame := &hubFrame{
			Type:    frameTypeUnsubscribe,
			FrameId: subId,
			Name:    name,
		}
		// best effort
		select {
		case <-self.ctx.Done():
		case self.send <- frame:
		case <-time.After(self.settings.WriteTimeout):
		}
	}
	return unsub, nil
}

func (self *PlatformHub) Close() {
	self.cancel()
}
