// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"
	"math/big"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	workerNotReady   = metrics.NewCounter("settlement_worker_not_ready_total")
	workerLowBalance = metrics.NewCounter("settlement_worker_low_balance_total")
	heartbeats       = metrics.NewCounter("settlement_worker_heartbeats_total")
	makerSignFailed  = metrics.NewCounter("settlement_maker_sign_failed_total")
	accessListFailed = metrics.NewCounter("settlement_access_list_failed_total")
	expiryTooSoon    = metrics.NewCounter("settlement_expiry_too_soon_total")
	miningLatency    = metrics.NewSummary("settlement_mining_latency_seconds")
	queuePopFailed   = metrics.NewCounter("settlement_queue_pop_failed_total")
)

var weiPerEth = new(big.Float).SetFloat64(1e18)

func IncWorkerNotReady() {
	workerNotReady.Inc()
}

func IncWorkerLowBalance() {
	workerLowBalance.Inc()
}

func IncHeartbeat() {
	heartbeats.Inc()
}

func IncMakerSignFailed() {
	makerSignFailed.Inc()
}

func IncAccessListFailed() {
	accessListFailed.Inc()
}

func IncExpiryTooSoon() {
	expiryTooSoon.Inc()
}

func IncQueuePopFailed() {
	queuePopFailed.Inc()
}

func RecordMiningLatency(d time.Duration) {
	miningLatency.Update(d.Seconds())
}

func RecordWorkerBalance(worker string, balanceWei *big.Int) {
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(balanceWei), weiPerEth).Float64()
	metrics.GetOrCreateFloatCounter(
		fmt.Sprintf(`settlement_worker_balance_eth{worker="%s"}`, worker)).Set(eth)
}

func IncJobCompleted(kind string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`settlement_jobs_completed_total{kind="%s"}`, kind)).Inc()
}

func IncJobError(kind string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`settlement_jobs_error_total{kind="%s"}`, kind)).Inc()
}

func IncLastLookDeclined(maker string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`settlement_last_look_declined_total{maker="%s"}`, maker)).Inc()
}
