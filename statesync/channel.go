package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a channel binds one named, optionally session-scoped slice of server state
// to a local value. reads flow server -> channel -> consumer. writes flow
// consumer -> optimistic apply -> server -> confirmation or rollback.

var ErrNoValue = errors.New("channel has no value to overlay")
var ErrWritePending = errors.New("channel already has a pending optimistic write")
var ErrChannelStopped = errors.New("channel is stopped")

// folds an inbound delta into the current value
type MergeFunction[T any] func(current T, delta json.RawMessage) (T, error)

type UpdateFunction[T any] func(current T) T

type ChannelSettings struct {
	// 0 disables the staleness-driven refresh poll
	RefreshInterval time.Duration

	// how long an unconfirmed optimistic write may stand before it reverts
	OptimisticTimeout time.Duration

	// when true, subscription establishment is awaited before `Start`
	// returns. guarantees no missed pushes but delays readiness.
	// when false, `Start` returns as soon as the snapshot lands and
	// subscription-setup failures are logged, never surfaced - the refresh
	// poll is the fallback.
	BlockingSubscribe bool
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		RefreshInterval:   0,
		OptimisticTimeout: 5 * time.Second,
		BlockingSubscribe: false,
	}
}

type optimisticWrite[T any] struct {
	writeId         Id
	originalValue   *T
	optimisticValue *T
	createdAt       time.Time
	timeout         *time.Timer
}

type Channel[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub      Hub
	name     string
	scope    Scope
	merge    MergeFunction[T]
	settings *ChannelSettings

	value      *Cell[*T]
	loading    *Cell[bool]
	err        *Cell[error]
	lastSyncAt *Cell[time.Time]

	stateMutex   sync.Mutex
	started      bool
	stopped      bool
	unsubs       []func()
	pendingWrite *optimisticWrite[T]
}

func NewChannelWithDefaults[T any](
	ctx context.Context,
	hub Hub,
	name string,
	scope Scope,
) *Channel[T] {
	return NewChannel[T](ctx, hub, name, scope, nil, DefaultChannelSettings())
}

// constructed inert. `merge` may be nil, in which case no delta subscription
// is established.
func NewChannel[T any](
	ctx context.Context,
	hub Hub,
	name string,
	scope Scope,
	merge MergeFunction[T],
	settings *ChannelSettings,
) *Channel[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Channel[T]{
		ctx:        cancelCtx,
		cancel:     cancel,
		hub:        hub,
		name:       name,
		scope:      scope,
		merge:      merge,
		settings:   settings,
		value:      NewCell[*T](nil),
		loading:    NewCell(false),
		err:        NewCell[error](nil),
		lastSyncAt: NewCell(time.Time{}),
	}
}

func (self *Channel[T]) Name() string {
	return self.name
}

func (self *Channel[T]) Scope() Scope {
	return self.scope
}

// nil before the first snapshot
func (self *Channel[T]) Value() *T {
	return self.value.Get()
}

func (self *Channel[T]) ValueCell() *Cell[*T] {
	return self.value
}

func (self *Channel[T]) IsLoading() bool {
	return self.loading.Get()
}

func (self *Channel[T]) LoadingCell() *Cell[bool] {
	return self.loading
}

func (self *Channel[T]) Err() error {
	return self.err.Get()
}

func (self *Channel[T]) ErrCell() *Cell[error] {
	return self.err
}

func (self *Channel[T]) LastSyncAt() time.Time {
	return self.lastSyncAt.Get()
}

func (self *Channel[T]) LastSyncAtCell() *Cell[time.Time] {
	return self.lastSyncAt
}

func (self *Channel[T]) IsStale(maxAge time.Duration) bool {
	lastSyncAt := self.lastSyncAt.Get()
	if lastSyncAt.IsZero() {
		// never synced
		return true
	}
	return maxAge < time.Since(lastSyncAt)
}

// snapshot fetch, then full-update and delta subscriptions, then the
// staleness poll and the reconnect handler. a snapshot failure is returned
// to the caller, who decides whether it is fatal.
func (self *Channel[T]) Start(ctx context.Context) error {
	self.stateMutex.Lock()
	if self.stopped {
		self.stateMutex.Unlock()
		return ErrChannelStopped
	}
	if self.started {
		self.stateMutex.Unlock()
		return fmt.Errorf("channel %s/%s already started", self.name, self.scope)
	}
	self.started = true
	self.stateMutex.Unlock()

	if err := self.fetchSnapshot(ctx); err != nil {
		return err
	}

	if self.settings.BlockingSubscribe {
		if err := self.subscribe(); err != nil {
			self.err.set(err)
			return err
		}
	} else {
		go func() {
			if err := self.subscribe(); err != nil {
				glog.Infof("[ch]%s/%s subscribe error = %s\n", self.name, self.scope, err)
			}
		}()
	}

	if 0 < self.settings.RefreshInterval {
		go self.refreshLoop()
	}

	connectionUnsub := self.hub.OnConnection(self.connectionChanged)
	self.addUnsub(connectionUnsub)

	return nil
}

func (self *Channel[T]) subscribe() error {
	fullUnsub, err := self.hub.Subscribe(self.ctx, self.name, self.scope, self.applyFull)
	if err != nil {
		return err
	}
	self.addUnsub(fullUnsub)

	if self.merge != nil {
		deltaUnsub, err := self.hub.Subscribe(
			self.ctx,
			fmt.Sprintf("%s.delta", self.name),
			self.scope,
			self.applyDelta,
		)
		if err != nil {
			return err
		}
		self.addUnsub(deltaUnsub)
	}

	return nil
}

func (self *Channel[T]) addUnsub(unsub func()) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	if self.stopped {
		// stopped while setting up. tear down immediately.
		go unsub()
		return
	}
	self.unsubs = append(self.unsubs, unsub)
}

// re-runs the snapshot path. used for manual refresh, the staleness poll,
// and reconnect resync.
func (self *Channel[T]) Refresh(ctx context.Context) error {
	return self.fetchSnapshot(ctx)
}

func (self *Channel[T]) fetchSnapshot(ctx context.Context) error {
	self.loading.set(true)
	defer self.loading.set(false)

	// rpc dispatch is always global. only the data is session scoped.
	payload := map[string]any{}
	if !self.scope.IsGlobal() {
		payload["sessionId"] = self.scope.SessionId
	}
	result, err := self.hub.Call(ctx, self.name, payload, GlobalScope())
	if err != nil {
		// keep the stale value. present-but-stale beats empty.
		self.err.set(err)
		return err
	}

	var value T
	if err := json.Unmarshal(result, &value); err != nil {
		self.err.set(err)
		return err
	}

	self.value.set(&value)
	self.lastSyncAt.set(time.Now())
	self.err.set(nil)
	glog.V(2).Infof("[ch]%s/%s snapshot\n", self.name, self.scope)
	return nil
}

// full-update subscription handler. each inbound message replaces the value
// wholesale.
func (self *Channel[T]) applyFull(payload json.RawMessage) {
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		glog.Infof("[ch]%s/%s bad full update = %s\n", self.name, self.scope, err)
		return
	}
	self.value.set(&value)
	self.lastSyncAt.set(time.Now())
	glog.V(2).Infof("[ch]%s/%s full update\n", self.name, self.scope)
}

// delta subscription handler. deltas arriving before the first snapshot are
// dropped, not queued.
func (self *Channel[T]) applyDelta(payload json.RawMessage) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	current := self.value.Get()
	if current == nil {
		glog.V(2).Infof("[ch]%s/%s drop delta before snapshot\n", self.name, self.scope)
		return
	}
	next, err := self.merge(*current, payload)
	if err != nil {
		glog.Infof("[ch]%s/%s bad delta = %s\n", self.name, self.scope, err)
		return
	}
	self.value.set(&next)
	self.lastSyncAt.set(time.Now())
}

// fold a locally produced update into the value. no sync stamp, no pending
// write bookkeeping. drops when there is no value yet.
func (self *Channel[T]) applyLocal(update UpdateFunction[T]) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	current := self.value.Get()
	if current == nil {
		return
	}
	next := update(*current)
	self.value.set(&next)
}

func (self *Channel[T]) refreshLoop() {
	ticker := time.NewTicker(self.settings.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}

		// a self-healing poll layered atop push updates, guarding against
		// missed pushes
		if self.IsStale(self.settings.RefreshInterval) {
			if err := self.Refresh(self.ctx); err != nil {
				glog.V(1).Infof("[ch]%s/%s stale refresh error = %s\n", self.name, self.scope, err)
			}
		}
	}
}

func (self *Channel[T]) connectionChanged(state ConnectionState) {
	switch state {
	case ConnectionStateConnected:
		// reconnection always wins over locally-held state. a full re-fetch,
		// not a merge.
		go func() {
			if err := self.Refresh(self.ctx); err != nil {
				glog.Infof("[ch]%s/%s reconnect refresh error = %s\n", self.name, self.scope, err)
			}
		}()
	case ConnectionStateDisconnected, ConnectionStateError:
		// keep the stale value
		self.err.set(fmt.Errorf("%w (%s)", ErrDisconnected, state))
	}
}

// applies the update synchronously so a consumer reading `Value` right after
// this call sees the new value with zero latency. the write reverts when the
// confirmation channel yields an error, or when the timeout elapses first.
// a nil confirmation receive, or a closed confirmation channel, commits.
// at most one write may be pending per channel.
func (self *Channel[T]) UpdateOptimistic(writeId Id, update UpdateFunction[T], confirmation <-chan error) error {
	self.stateMutex.Lock()

	current := self.value.Get()
	if current == nil {
		self.stateMutex.Unlock()
		// nothing to overlay onto
		glog.Warningf("[ch]%s/%s optimistic write %s with no value\n", self.name, self.scope, writeId)
		return ErrNoValue
	}
	if self.pendingWrite != nil {
		self.stateMutex.Unlock()
		return ErrWritePending
	}

	optimisticValue := update(*current)
	write := &optimisticWrite[T]{
		writeId:         writeId,
		originalValue:   current,
		optimisticValue: &optimisticValue,
		createdAt:       time.Now(),
	}
	self.pendingWrite = write
	self.value.set(&optimisticValue)

	// the timeout is always armed. it is the sole liveness guarantee against
	// a server that never confirms.
	write.timeout = time.AfterFunc(self.settings.OptimisticTimeout, func() {
		self.revertWrite(writeId)
	})
	self.stateMutex.Unlock()

	if confirmation != nil {
		go func() {
			select {
			case err, ok := <-confirmation:
				if ok && err != nil {
					self.revertWrite(writeId)
				} else {
					self.commitWrite(writeId)
				}
			case <-self.ctx.Done():
			}
		}()
	}

	return nil
}

// the optimistic value stands as final
func (self *Channel[T]) commitWrite(writeId Id) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	write := self.pendingWrite
	if write == nil || write.writeId != writeId {
		return
	}
	self.pendingWrite = nil
	write.timeout.Stop()
	glog.V(1).Infof("[ch]%s/%s commit write %s\n", self.name, self.scope, writeId)
}

func (self *Channel[T]) revertWrite(writeId Id) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	write := self.pendingWrite
	if write == nil || write.writeId != writeId {
		return
	}
	self.pendingWrite = nil
	write.timeout.Stop()
	self.value.set(write.originalValue)
	glog.V(1).Infof("[ch]%s/%s revert write %s\n", self.name, self.scope, writeId)
}

// synchronous teardown. idempotent. pending optimistic writes are discarded
// without reverting - the last applied value is left standing. an in-flight
// snapshot fetch is not canceled; callers that need hard cancellation discard
// the channel instance.
func (self *Channel[T]) Stop() {
	self.stateMutex.Lock()
	if self.stopped {
		self.stateMutex.Unlock()
		return
	}
	self.stopped = true
	unsubs := self.unsubs
	self.unsubs = nil
	write := self.pendingWrite
	self.pendingWrite = nil
	self.stateMutex.Unlock()

	self.cancel()

	for _, unsub := range unsubs {
		// one broken unsubscribe must not block the rest
		func() {
			defer func() { recover() }()
			unsub()
		}()
	}

	if write != nil {
		write.timeout.Stop()
	}
}
