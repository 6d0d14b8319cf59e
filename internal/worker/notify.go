package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// 通知动作标识固定不变，标题可配置。
const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

// Notification 是 push 事件展示的通知。
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// NotificationData 随通知携带的数据。
type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int   `json:"primaryKey"`
}

// NotificationAction 是通知上的按钮。
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

// NotificationOptions 控制通知的图标与按钮标题。
type NotificationOptions struct {
	Icon         string
	Badge        string
	ExploreTitle string
	CloseTitle   string
}

// Notifier 负责把通知交付给用户。
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// WindowOpener 处理通知点击后的“打开页面”动作。
type WindowOpener interface {
	Open(ctx context.Context, rawURL string) error
}

// LogNotifier 只把通知写入日志，未配置投递渠道时使用。
type LogNotifier struct {
	Logger *logrus.Logger
}

// Show implements Notifier.
func (n LogNotifier) Show(_ context.Context, note Notification) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.WithFields(logrus.Fields{
		"action": "notification_show",
		"title":  note.Title,
		"body":   note.Body,
	}).Info("notification_show")
	return nil
}

// LogOpener 记录需要打开的地址；实际打开由调用方根据返回的 URL 完成。
type LogOpener struct {
	Logger *logrus.Logger
}

// Open implements WindowOpener.
func (o LogOpener) Open(_ context.Context, rawURL string) error {
	if o.Logger != nil {
		o.Logger.WithFields(logrus.Fields{"action": "open_window", "url": rawURL}).Info("open_window")
	}
	return nil
}

// ShoutrrrNotifier 通过 shoutrrr 服务 URL（ntfy://、telegram:// 等）投递通知。
type ShoutrrrNotifier struct {
	sender *router.ServiceRouter
}

// NewShoutrrrNotifier 根据服务 URL 构造 notifier。
func NewShoutrrrNotifier(urls []string) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("notification urls required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create notification sender: %w", err)
	}
	return &ShoutrrrNotifier{sender: sender}, nil
}

// Show 向全部服务发送；各服务的失败合并返回。
func (n *ShoutrrrNotifier) Show(_ context.Context, note Notification) error {
	params := types.Params{}
	params.SetTitle(note.Title)

	var errs error
	for _, err := range n.sender.Send(note.Body, &params) {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// NewNotifier 按是否配置了服务 URL 选择 shoutrrr 或日志 notifier。
func NewNotifier(urls []string, logger *logrus.Logger) (Notifier, error) {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	if len(cleaned) == 0 {
		return LogNotifier{Logger: logger}, nil
	}
	n, err := NewShoutrrrNotifier(cleaned)
	if err != nil {
		return nil, err
	}
	return n, nil
}
