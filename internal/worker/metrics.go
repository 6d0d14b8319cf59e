package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics 汇总 worker 的 prometheus 计数器。nil *Metrics 可安全调用，所有方法均为空操作。
type Metrics struct {
	fetches       *prometheus.CounterVec
	installs      *prometheus.CounterVec
	staleDeleted  prometheus.Counter
	storeFailures prometheus.Counter
	pushes        *prometheus.CounterVec
}

// NewMetrics 创建并注册计数器；reg 为 nil 时只创建不注册。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "fetch_total",
			Help:      "Intercepted requests by outcome.",
		}, []string{"outcome"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "install_total",
			Help:      "Install attempts by result.",
		}, []string{"result"}),
		staleDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "stale_buckets_deleted_total",
			Help:      "Buckets removed during activation.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "store_failures_total",
			Help:      "Background cache writes that failed.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "push_total",
			Help:      "Push events by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.installs, m.staleDeleted, m.storeFailures, m.pushes)
	}
	return m
}

func (m *Metrics) observeFetch(outcome Outcome) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeInstall(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) observeStaleDeleted() {
	if m == nil {
		return
	}
	m.staleDeleted.Inc()
}

func (m *Metrics) observeStoreFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *Metrics) observePush(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}
