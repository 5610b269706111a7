// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch metrics
	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_dispatches_total",
		Help: "Requests bound to a pile, by pile type",
	}, []string{"type"}) // type=F|T

	engineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stationd_engine_queue_depth",
		Help: "Current engine dispatch queue depth per pile type",
	}, []string{"type"})

	stationWaitingDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stationd_station_waiting_depth",
		Help: "Current station waiting-area depth per mode",
	}, []string{"mode"}) // mode=fast|trickle

	engineEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_engine_events_dropped_total",
		Help: "Engine events dropped because the buffer was full",
	})

	pileFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_pile_faults_total",
		Help: "Pile fault events observed by the engine",
	})

	// Session outcomes
	sessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_sessions_finalized_total",
		Help: "Sessions reaching a terminal status, by outcome",
	}, []string{"outcome"}) // outcome=completed|cancelled|fault_completed

	feesChargedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_fees_charged_total",
		Help: "Sum of total fees across finalized sessions",
	})

	energyDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_energy_delivered_kwh_total",
		Help: "Sum of actual kWh across finalized sessions",
	})

	// Recovery metrics
	sweeperRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_sweeper_recoveries_total",
		Help: "Completing sessions finalized by the timeout sweeper",
	})

	admissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_admission_rejections_total",
		Help: "Submissions rejected at station admission, by reason",
	}, []string{"reason"}) // reason=full|active_session
)

func IncDispatch(pileType string)          { dispatchesTotal.WithLabelValues(pileType).Inc() }
func SetEngineQueueDepth(t string, n int)  { engineQueueDepth.WithLabelValues(t).Set(float64(n)) }
func SetStationDepth(mode string, n int)   { stationWaitingDepth.WithLabelValues(mode).Set(float64(n)) }
func IncEngineEventDropped()               { engineEventsDropped.Inc() }
func IncPileFault()                        { pileFaultsTotal.Inc() }
func IncSweeperRecovery()                  { sweeperRecoveries.Inc() }
func IncAdmissionRejection(reason string)  { admissionRejections.WithLabelValues(reason).Inc() }

func RecordFinalized(outcome string, totalFee, kwh float64) {
	sessionsCompleted.WithLabelValues(outcome).Inc()
	feesChargedTotal.Add(totalFee)
	energyDeliveredTotal.Add(kwh)
}
