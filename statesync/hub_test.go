package statesync

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sync"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// an in-memory hub for channel and coordinator tests.
// snapshots are served by name, events are published synchronously, and the
// set of live subscriptions is tracked so tests can assert that two sessions
// are never simultaneously subscribed.

type testHubSub struct {
	subId     int
	name      string
	sessionId string
	handler   MessageFunction
}

type testHub struct {
	mutex sync.Mutex

	snapshots  map[string]any
	callErrs   map[string]error
	callCounts map[string]int

	subscribeErrSessions map[string]bool

	nextSubId int
	subs      map[int]*testHubSub

	// true if two different session scopes were ever live at once
	overlapped bool

	connectionCallbacks *CallbackList[ConnectionFunction]
}

func newTestHub() *testHub {
	return &testHub{
		snapshots:            map[string]any{},
		callErrs:             map[string]error{},
		callCounts:           map[string]int{},
		subscribeErrSessions: map[string]bool{},
		subs:                 map[int]*testHubSub{},
		connectionCallbacks:  NewCallbackList[ConnectionFunction](),
	}
}

func (self *testHub) setSnapshot(name string, value any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.snapshots[name] = value
	delete(self.callErrs, name)
}

func (self *testHub) setCallErr(name string, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callErrs[name] = err
}

func (self *testHub) callCount(name string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callCounts[name]
}

func (self *testHub) Call(ctx context.Context, name string, payload any, scope Scope) (json.RawMessage, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callCounts[name] += 1
	if err, ok := self.callErrs[name]; ok {
		return nil, err
	}
	value, ok := self.snapshots[name]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", name)
	}
	return json.Marshal(value)
}

func (self *testHub) Subscribe(ctx context.Context, name string, scope Scope, handler MessageFunction) (func(), error) {
	self.mutex.Lock()

	if self.subscribeErrSessions[scope.SessionId] {
		self.mutex.Unlock()
		return nil, fmt.Errorf("subscribe refused for %s", scope)
	}

	subId := self.nextSubId
	self.nextSubId += 1
	self.subs[subId] = &testHubSub{
		subId:     subId,
		name:      name,
		sessionId: scope.SessionId,
		handler:   handler,
	}
	self.trackSessions()
	self.mutex.Unlock()

	unsub := func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.subs, subId)
	}
	return unsub, nil
}

// caller holds mutex
func (self *testHub) trackSessions() {
	sessionIds := map[string]bool{}
	for _, sub := range self.subs {
		if sub.sessionId != "" {
			sessionIds[sub.sessionId] = true
		}
	}
	if 1 < len(sessionIds) {
		self.overlapped = true
	}
}

func (self *testHub) liveSubs() []*testHubSub {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subs := []*testHubSub{}
	for _, sub := range self.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (self *testHub) OnConnection(handler ConnectionFunction) func() {
	callbackId := self.connectionCallbacks.Add(handler)
	return func() {
		self.connectionCallbacks.Remove(callbackId)
	}
}

func (self *testHub) setConnection(state ConnectionState) {
	for _, connectionCallback := range self.connectionCallbacks.Get() {
		connectionCallback(state)
	}
}

func marshalTestEvent(event SessionEvent) (json.RawMessage, error) {
	return json.Marshal(event)
}

func (self *testHub) publish(name string, sessionId string, payload any) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	self.mutex.Lock()
	matched := []*testHubSub{}
	for _, sub := range self.subs {
		if sub.name == name && sub.sessionId == sessionId {
			matched = append(matched, sub)
		}
	}
	self.mutex.Unlock()

	for _, sub := range matched {
		sub.handler(payloadBytes)
	}
}
