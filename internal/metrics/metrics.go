package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PurchaseTotal    *prometheus.CounterVec
	OrdersPersisted  prometheus.Counter
	PersistAnomalies prometheus.Counter
	PendingReplayed  prometheus.Counter
	CacheRebuilds    prometheus.Counter
	QueuePending     prometheus.Gauge
	StockDrift       *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PurchaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seckill_purchase_total",
				Help: "Purchase attempts by outcome",
			},
			[]string{"outcome"},
		),
		OrdersPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_orders_persisted_total",
			Help: "Orders durably written by the consumer",
		}),
		PersistAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_persist_anomalies_total",
			Help: "Guard rejections after the fast path accepted",
		}),
		PendingReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_pending_replayed_total",
			Help: "Entries replayed from the pending list",
		}),
		CacheRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_cache_rebuilds_total",
			Help: "Background cache rebuild tasks executed",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seckill_queue_pending",
			Help: "Unacknowledged entries in the order stream group",
		}),
		StockDrift: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "seckill_stock_drift",
				Help: "Durable stock minus mirrored stock per voucher",
			},
			[]string{"voucher_id"},
		),
	}

	reg.MustRegister(
		m.PurchaseTotal,
		m.OrdersPersisted,
		m.PersistAnomalies,
		m.PendingReplayed,
		m.CacheRebuilds,
		m.QueuePending,
		m.StockDrift,
	)
	return m
}
