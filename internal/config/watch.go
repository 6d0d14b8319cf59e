package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher 监听配置文件变更，重新加载成功后回调 onChange；失败交给 onError。
type Watcher struct {
	v    *viper.Viper
	path string
}

// Watch 启动基于 fsnotify 的文件监听。每次变更都会完整走一遍 Load 的默认值与校验流程，
// 只有合法配置才会传递给 onChange，部署方修改 CacheName 即可触发新版本安装。
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	w := &Watcher{v: v, path: path}
	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v, path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return w, nil
}

// Path 返回正在监听的配置文件路径。
func (w *Watcher) Path() string {
	return w.path
}
