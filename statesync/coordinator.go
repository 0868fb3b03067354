package statesync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// the coordinator owns the set of channels and raw subscriptions scoped to
// whichever session is currently active, and guarantees that switching the
// active session is atomic: old subscriptions are fully torn down before new
// ones are established, so no stale-session callback can mutate the new
// session's state.
//
// one coordinator per application context. construct and close explicitly.

const (
	EventKindMessage = "message"
	EventKindPartial = "partial"
	EventKindResult  = "result"
)

type SessionMessage struct {
	MessageId string `json:"messageId"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// raw message stream payload. `Message` is set for kind "message",
// `Content` carries the text fragment for kind "partial".
type SessionEvent struct {
	Kind    string          `json:"kind"`
	Message *SessionMessage `json:"message,omitempty"`
	Content string          `json:"content,omitempty"`
}

type SwitchFunction func(err error)

type AlertFunction func(err error)

type CoordinatorSettings struct {
	StreamChannelName     string
	StateChannelName      string
	MessageLogChannelName string

	ChannelSettings *ChannelSettings
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	// per-session channels subscribe in blocking mode so that a completed
	// switch means the subscriptions are live
	channelSettings := DefaultChannelSettings()
	channelSettings.BlockingSubscribe = true
	return &CoordinatorSettings{
		StreamChannelName:     "session.stream",
		StateChannelName:      "session.state",
		MessageLogChannelName: "session.messages",
		ChannelSettings:       channelSettings,
	}
}

type switchRequest struct {
	sessionId string
	callback  SwitchFunction
}

type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub      Hub
	settings *CoordinatorSettings

	activeSessionId *Cell[string]
	sessionState    *Cell[map[string]any]
	messageLog      *Cell[[]SessionMessage]
	streaming       *Cell[string]

	alertCallbacks *CallbackList[AlertFunction]

	queueMutex   sync.Mutex
	queue        []*switchRequest
	queueMonitor *Monitor

	sessionMutex sync.Mutex
	dedupe       map[string]bool
	teardowns    []func()
	messages     *Channel[[]SessionMessage]
	state        *Channel[map[string]any]
}

func NewCoordinatorWithDefaults(ctx context.Context, hub Hub) *Coordinator {
	return NewCoordinator(ctx, hub, DefaultCoordinatorSettings())
}

func NewCoordinator(ctx context.Context, hub Hub, settings *CoordinatorSettings) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	coordinator := &Coordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		hub:             hub,
		settings:        settings,
		activeSessionId: NewCell(""),
		sessionState:    NewCell[map[string]any](nil),
		messageLog:      NewCell[[]SessionMessage](nil),
		streaming:       NewCell(""),
		alertCallbacks:  NewCallbackList[AlertFunction](),
		queueMonitor:    NewMonitor(),
		dedupe:          map[string]bool{},
	}
	go coordinator.run()
	return coordinator
}

// "" when no session is active
func (self *Coordinator) ActiveSessionId() string {
	return self.activeSessionId.Get()
}

func (self *Coordinator) ActiveSessionIdCell() *Cell[string] {
	return self.activeSessionId
}

func (self *Coordinator) SessionState() map[string]any {
	return self.sessionState.Get()
}

func (self *Coordinator) SessionStateCell() *Cell[map[string]any] {
	return self.sessionState
}

func (self *Coordinator) MessageLog() []SessionMessage {
	return self.messageLog.Get()
}

func (self *Coordinator) MessageLogCell() *Cell[[]SessionMessage] {
	return self.messageLog
}

// the in-progress streaming accumulator. flushed when a terminal result
// event arrives.
func (self *Coordinator) Streaming() string {
	return self.streaming.Get()
}

func (self *Coordinator) StreamingCell() *Cell[string] {
	return self.streaming
}

// the toast-equivalent side channel for switch failures
func (self *Coordinator) AddAlertCallback(alertCallback AlertFunction) func() {
	callbackId := self.alertCallbacks.Add(alertCallback)
	return func() {
		self.alertCallbacks.Remove(callbackId)
	}
}

func (self *Coordinator) alert(err error) {
	for _, alertCallback := range self.alertCallbacks.Get() {
		func() {
			defer func() { recover() }()
			alertCallback(err)
		}()
	}
}

// switch the active session. pass "" to deactivate. switches are processed
// in call order, never reordered, never interleaved - a caller that issues
// `Select(a)` then `Select(b)` is guaranteed a's teardown and setup fully
// complete before b's teardown begins. `callback` may be nil.
func (self *Coordinator) Select(sessionId string, callback SwitchFunction) {
	self.queueMutex.Lock()
	self.queue = append(self.queue, &switchRequest{
		sessionId: sessionId,
		callback:  callback,
	})
	self.queueMutex.Unlock()
	self.queueMonitor.NotifyAll()
}

func (self *Coordinator) SelectSync(sessionId string) error {
	result := make(chan error, 1)
	self.Select(sessionId, func(err error) {
		result <- err
	})
	select {
	case <-self.ctx.Done():
		return self.ctx.Err()
	case err := <-result:
		return err
	}
}

// the single switch worker. fifo, non-overlapping.
func (self *Coordinator) run() {
	for {
		notify := self.queueMonitor.NotifyChannel()
		request := self.poll()
		if request == nil {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		err := self.doSwitch(request.sessionId)
		if request.callback != nil {
			func() {
				defer func() { recover() }()
				request.callback(err)
			}()
		}
	}
}

func (self *Coordinator) poll() *switchRequest {
	self.queueMutex.Lock()
	defer self.queueMutex.Unlock()

	if len(self.queue) == 0 {
		return nil
	}
	request := self.queue[0]
	self.queue[0] = nil
	self.queue = self.queue[1:]
	return request
}

// invoked only from the worker. a setup failure never propagates out of the
// worker loop - it is logged, alerted, and the coordinator degrades to no
// active session, because a half-subscribed session is worse than no session.
func (self *Coordinator) doSwitch(sessionId string) error {
	if self.activeSessionId.Get() == sessionId {
		return nil
	}

	self.teardownSession()

	// clear all per-session observable state, strictly after teardown and
	// strictly before new setup
	self.sessionMutex.Lock()
	self.dedupe = map[string]bool{}
	self.sessionMutex.Unlock()
	self.messageLog.set(nil)
	self.streaming.set("")
	self.sessionState.set(nil)

	self.activeSessionId.set(sessionId)
	if sessionId == "" {
		return nil
	}

	if err := self.setupSession(sessionId); err != nil {
		glog.Infof("[co]switch %s error = %s\n", sessionId, err)
		self.teardownSession()
		self.activeSessionId.set("")
		self.alert(err)
		return err
	}

	glog.V(1).Infof("[co]switch %s\n", sessionId)
	return nil
}

func (self *Coordinator) setupSession(sessionId string) error {
	scope := SessionScope(sessionId)

	// raw message stream, deduplicated by message id, with partials
	// accumulated separately
	streamUnsub, err := self.hub.Subscribe(
		self.ctx,
		self.settings.StreamChannelName,
		scope,
		self.receiveEvent(sessionId),
	)
	if err != nil {
		return err
	}
	self.addTeardown(streamUnsub)

	// unified session-state channel, full replace
	state := NewChannel[map[string]any](
		self.ctx,
		self.hub,
		self.settings.StateChannelName,
		scope,
		nil,
		self.settings.ChannelSettings,
	)
	self.addTeardown(state.Stop)
	stateCellUnsub := state.ValueCell().Subscribe(func(value *map[string]any) {
		if value == nil {
			return
		}
		if self.activeSessionId.Get() != sessionId {
			return
		}
		self.sessionState.set(*value)
	})
	self.addTeardown(stateCellUnsub)
	if err := state.Start(self.ctx); err != nil {
		return err
	}

	// message log channel with its paired delta channel
	messages := NewChannel[[]SessionMessage](
		self.ctx,
		self.hub,
		self.settings.MessageLogChannelName,
		scope,
		mergeMessageLog,
		self.settings.ChannelSettings,
	)
	self.addTeardown(messages.Stop)
	messagesCellUnsub := messages.ValueCell().Subscribe(func(value *[]SessionMessage) {
		if value == nil {
			return
		}
		if self.activeSessionId.Get() != sessionId {
			return
		}
		self.messageLog.set(*value)
	})
	self.addTeardown(messagesCellUnsub)
	if err := messages.Start(self.ctx); err != nil {
		return err
	}

	self.sessionMutex.Lock()
	self.state = state
	self.messages = messages
	self.sessionMutex.Unlock()

	return nil
}

func (self *Coordinator) addTeardown(teardown func()) {
	self.sessionMutex.Lock()
	defer self.sessionMutex.Unlock()
	self.teardowns = append(self.teardowns, teardown)
}

func (self *Coordinator) teardownSession() {
	self.sessionMutex.Lock()
	teardowns := self.teardowns
	self.teardowns = nil
	self.state = nil
	self.messages = nil
	self.sessionMutex.Unlock()

	for _, teardown := range teardowns {
		func() {
			defer func() { recover() }()
			teardown()
		}()
	}
}

func (self *Coordinator) receiveEvent(sessionId string) MessageFunction {
	return func(payload json.RawMessage) {
		// never let a stale-session callback mutate current-session state
		if self.activeSessionId.Get() != sessionId {
			return
		}

		var event SessionEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			glog.Infof("[co]%s bad event = %s\n", sessionId, err)
			return
		}

		switch event.Kind {
		case EventKindPartial:
			self.streaming.set(self.streaming.Get() + event.Content)
		case EventKindResult:
			// terminal. the final message arrives via the log; flush the
			// accumulator.
			self.streaming.set("")
		case EventKindMessage:
			if event.Message == nil {
				return
			}
			self.sessionMutex.Lock()
			if self.dedupe[event.Message.MessageId] {
				self.sessionMutex.Unlock()
				glog.V(2).Infof("[co]%s dedupe %s\n", sessionId, event.Message.MessageId)
				return
			}
			self.dedupe[event.Message.MessageId] = true
			messages := self.messages
			self.sessionMutex.Unlock()

			if messages != nil {
				message := *event.Message
				messages.applyLocal(func(log []SessionMessage) []SessionMessage {
					// the log delta channel may have landed the same message
					for _, logMessage := range log {
						if logMessage.MessageId == message.MessageId {
							return log
						}
					}
					return append([]SessionMessage{message}, log...)
				})
			}
		}
	}
}

func mergeMessageLog(current []SessionMessage, delta json.RawMessage) ([]SessionMessage, error) {
	var keyedDelta KeyedDelta[SessionMessage]
	if err := json.Unmarshal(delta, &keyedDelta); err != nil {
		return nil, err
	}
	next := MergeKeyed(current, keyedDelta, func(message SessionMessage) string {
		return message.MessageId
	})
	return next, nil
}

func (self *Coordinator) Close() {
	self.cancel()
	self.teardownSession()
}
