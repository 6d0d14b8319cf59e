package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供作用域/缓存桶/命中结果字段，供拦截请求日志复用。
func RequestFields(scope, host, cacheName, outcome string) logrus.Fields {
	return logrus.Fields{
		"scope":   scope,
		"host":    host,
		"cache":   cacheName,
		"outcome": outcome,
	}
}

// LifecycleFields 描述 worker 生命周期事件（install/activate 等）的公共字段。
func LifecycleFields(event, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action": event,
		"cache":  cacheName,
	}
}
