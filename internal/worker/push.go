package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bienestar/offline-cache/internal/logging"
)

const (
	defaultIcon         = "/static/images/icon-192x192.png"
	defaultBadge        = "/static/images/icon-72x72.png"
	defaultExploreTitle = "Ver detalles"
	defaultCloseTitle   = "Cerrar"

	// SyncTag 是唯一被处理的后台同步标签。
	SyncTag = "background-sync"
	// RootURL 是 explore 动作打开的页面。
	RootURL = "/"
)

// ErrMalformedPush 表示 push 数据不是 JSON 对象。
var ErrMalformedPush = errors.New("malformed push payload")

// PushMessage 是 push 数据中被使用的字段，其余字段忽略。
type PushMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ClickResult 描述通知点击的处理结果。
type ClickResult struct {
	Closed  bool   `json:"closed"`
	OpenURL string `json:"open_url"`
}

func (o NotificationOptions) withDefaults() NotificationOptions {
	if o.Icon == "" {
		o.Icon = defaultIcon
	}
	if o.Badge == "" {
		o.Badge = defaultBadge
	}
	if o.ExploreTitle == "" {
		o.ExploreTitle = defaultExploreTitle
	}
	if o.CloseTitle == "" {
		o.CloseTitle = defaultCloseTitle
	}
	return o
}

// Push 解析 push 数据并展示通知。空数据不做任何事，返回 nil 通知。
func (w *Worker) Push(ctx context.Context, data []byte) (*Notification, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		w.opts.Metrics.observePush("empty")
		return nil, nil
	}
	var msg *PushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		w.opts.Metrics.observePush("malformed")
		return nil, fmt.Errorf("%w: %v", ErrMalformedPush, err)
	}
	// null 能成功解码但不是对象。
	if msg == nil {
		w.opts.Metrics.observePush("malformed")
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedPush)
	}

	note := w.buildNotification(*msg)
	if err := w.opts.Notifier.Show(ctx, note); err != nil {
		w.opts.Metrics.observePush("failed")
		return &note, fmt.Errorf("show notification: %w", err)
	}
	w.opts.Metrics.observePush("shown")
	return &note, nil
}

func (w *Worker) buildNotification(msg PushMessage) Notification {
	opts := w.opts.Notification
	return Notification{
		Title:   msg.Title,
		Body:    msg.Body,
		Icon:    opts.Icon,
		Badge:   opts.Badge,
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: w.opts.Now().UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: opts.ExploreTitle, Icon: opts.Badge},
			{Action: ActionClose, Title: opts.CloseTitle, Icon: opts.Badge},
		},
	}
}

// NotificationClick 总是关闭通知；explore 动作额外打开根页面。
func (w *Worker) NotificationClick(ctx context.Context, action string) (ClickResult, error) {
	result := ClickResult{Closed: true}
	if action != ActionExplore {
		return result, nil
	}
	if err := w.opts.Opener.Open(ctx, RootURL); err != nil {
		return result, fmt.Errorf("open window: %w", err)
	}
	result.OpenURL = RootURL
	return result, nil
}

// Sync 处理后台同步事件，返回标签是否被识别。
func (w *Worker) Sync(ctx context.Context, tag string) (bool, error) {
	if tag != SyncTag {
		return false, nil
	}
	return true, w.backgroundSync(ctx)
}

// backgroundSync 目前没有需要补发的数据，立即完成。
func (w *Worker) backgroundSync(ctx context.Context) error {
	w.opts.Logger.WithFields(logging.LifecycleFields("sync", w.opts.CacheName)).
		WithField("tag", SyncTag).Debug("background_sync")
	return ctx.Err()
}
