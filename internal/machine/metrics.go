// Copyright 2025 Comfy Deploy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package machine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_machine_admissions_total",
		Help: "Admission attempts per machine and outcome.",
	}, []string{"machine_id", "outcome"})

	releasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_machine_releases_total",
		Help: "Admission slots released per machine.",
	}, []string{"machine_id"})

	reconcileDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_machine_reconcile_drift_total",
		Help: "Reconcile sweeps that corrected a drifted admission count.",
	}, []string{"machine_id"})

	currentQueueGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_machine_current_queue",
		Help: "Last reconciled queue depth per machine.",
	}, []string{"machine_id"})
)
