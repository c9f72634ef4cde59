package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// OrdersCreatedTotal counts order creation attempts by method and result.
	OrdersCreatedTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// OrderSyncTotal counts reconciliation poll outcomes.
	OrderSyncTotal *prometheus.CounterVec
	// HookFailuresTotal counts payment hook subscribers that returned an error.
	HookFailuresTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		OrdersCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Count of payment order creation outcomes.",
		}, []string{"method", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"result"})
		OrderSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_sync_total",
			Help:      "Count of reconciliation polls by resulting status.",
		}, []string{"result"})
		HookFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_failures_total",
			Help:      "Count of payment-success hook invocations that failed.",
		}, []string{"hook"})

		reg.MustRegister(OrdersCreatedTotal, PaymentWebhookTotal, OrderSyncTotal, HookFailuresTotal)
	})
}
