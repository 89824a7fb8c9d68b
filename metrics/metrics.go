// Package metrics provides Prometheus metrics for the trading core
package metrics

import (
	"net/http"
)

// StartMetricsServer 启动Prometheus指标服务器，暴露指定Monitor的registry
func StartMetricsServer(addr string, m *Monitor) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
