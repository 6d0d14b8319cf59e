package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bienestar/offline-cache/internal/fetch"
)

// EventType 是 worker 能响应的事件名。
type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
	EventSync              EventType = "sync"
)

// ErrNoHandler 表示事件没有注册处理函数。
var ErrNoHandler = errors.New("no handler registered for event")

// Event 承载各类事件的输入，只有与 Type 对应的字段有意义。
type Event struct {
	Type    EventType
	Request *fetch.Request // fetch
	Data    []byte         // push
	Action  string         // notificationclick
	Tag     string         // sync
}

// Result 是事件完成后的输出。
type Result struct {
	Response     *fetch.Response
	Outcome      Outcome
	Notification *Notification
	OpenURL      string
	Closed       bool
	Handled      bool
}

// HandlerFunc 处理一个事件，返回时事件的全部工作已完成。
type HandlerFunc func(ctx context.Context, ev Event) (Result, error)

// Dispatcher 把事件路由到已注册的处理函数。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType]HandlerFunc
}

// NewDispatcher 返回空的 Dispatcher。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventType]HandlerFunc)}
}

// On 注册（或替换）事件处理函数。
func (d *Dispatcher) On(typ EventType, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = fn
}

// Dispatch 执行处理函数并等待其完成。
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Result, error) {
	d.mu.RLock()
	fn, ok := d.handlers[ev.Type]
	d.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoHandler, ev.Type)
	}
	return fn(ctx, ev)
}

// Dispatcher 返回绑定了本 worker 六个处理函数的 Dispatcher，首次调用时构建。
func (w *Worker) Dispatcher() *Dispatcher {
	w.eventsOnce.Do(func() {
		w.events = w.newDispatcher()
	})
	return w.events
}

func (w *Worker) newDispatcher() *Dispatcher {
	d := NewDispatcher()
	d.On(EventInstall, func(ctx context.Context, _ Event) (Result, error) {
		return Result{Handled: true}, w.Install(ctx)
	})
	d.On(EventActivate, func(ctx context.Context, _ Event) (Result, error) {
		return Result{Handled: true}, w.Activate(ctx)
	})
	d.On(EventFetch, func(ctx context.Context, ev Event) (Result, error) {
		resp, outcome, err := w.Fetch(ctx, ev.Request)
		return Result{Response: resp, Outcome: outcome, Handled: true}, err
	})
	d.On(EventPush, func(ctx context.Context, ev Event) (Result, error) {
		note, err := w.Push(ctx, ev.Data)
		if err != nil {
			w.opts.Logger.WithField("action", "push").WithError(err).Warn("push_rejected")
		}
		return Result{Notification: note, Handled: note != nil}, err
	})
	d.On(EventNotificationClick, func(ctx context.Context, ev Event) (Result, error) {
		res, err := w.NotificationClick(ctx, ev.Action)
		return Result{Closed: res.Closed, OpenURL: res.OpenURL, Handled: true}, err
	})
	d.On(EventSync, func(ctx context.Context, ev Event) (Result, error) {
		handled, err := w.Sync(ctx, ev.Tag)
		return Result{Handled: handled}, err
	})
	return d
}
