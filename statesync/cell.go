package statesync

import (
	"sync"
)

// a publish-subscribe slot over a single value.
// subscribers are called synchronously with the current value on subscribe,
// and again on every set. handlers must not call back into the owning
// component.
type Cell[T any] struct {
	mutex     sync.Mutex
	value     T
	callbacks *CallbackList[func(T)]
	monitor   *Monitor
}

func NewCell[T any](value T) *Cell[T] {
	return &Cell[T]{
		value:     value,
		callbacks: NewCallbackList[func(T)](),
		monitor:   NewMonitor(),
	}
}

func (self *Cell[T]) Get() T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.value
}

func (self *Cell[T]) set(value T) {
	self.mutex.Lock()
	self.value = value
	self.mutex.Unlock()

	for _, callback := range self.callbacks.Get() {
		func() {
			defer func() { recover() }()
			callback(value)
		}()
	}
	self.monitor.NotifyAll()
}

func (self *Cell[T]) Subscribe(callback func(T)) func() {
	callbackId := self.callbacks.Add(callback)

	func() {
		defer func() { recover() }()
		callback(self.Get())
	}()

	return func() {
		self.callbacks.Remove(callbackId)
	}
}

// select-based waiting for the next set
func (self *Cell[T]) NotifyChannel() chan struct{} {
	return self.monitor.NotifyChannel()
}
