package server

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strongfatTo/RemicoPay/internal/money"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	remittancesTotal *prometheus.CounterVec
	schedulesTotal   *prometheus.CounterVec
	callbacksTotal   *prometheus.CounterVec
	vaultAssets      prometheus.Gauge
	vaultShares      prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	remittances := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remicopay_remittances_total",
		Help: "Remittance operations by outcome",
	}, []string{"status"})

	schedules := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remicopay_schedules_total",
		Help: "Scheduled remittance operations by outcome",
	}, []string{"status"})

	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remicopay_fps_callbacks_total",
		Help: "FPS oracle callbacks processed",
	}, []string{"status"})

	assets := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remicopay_vault_total_assets",
		Help: "Vault assets in whole source tokens",
	})

	shares := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remicopay_vault_total_shares",
		Help: "Outstanding vault shares in whole units",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(remittances, schedules, callbacks, assets, shares)

	return &metricsRegistry{
		registry:         r,
		remittancesTotal: remittances,
		schedulesTotal:   schedules,
		callbacksTotal:   callbacks,
		vaultAssets:      assets,
		vaultShares:      shares,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRemittance(status string) {
	m.remittancesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incSchedule(status string) {
	m.schedulesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incCallback(status string) {
	m.callbacksTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) setVaultTotals(shares, assets *big.Int) {
	m.vaultShares.Set(wholeTokens(shares))
	m.vaultAssets.Set(wholeTokens(assets))
}

// wholeTokens renders base units as a float of whole tokens; precision loss
// is fine for a gauge.
func wholeTokens(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(money.Unit)).Float64()
	return f
}
