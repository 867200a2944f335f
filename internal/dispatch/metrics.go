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

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_attempts_total",
		Help: "Dispatch attempts by result.",
	}, []string{"result"})

	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_attempt_seconds",
		Help:    "Duration of one dispatch attempt.",
		Buckets: prometheus.DefBuckets,
	})

	startsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_run_starts_total",
		Help: "Start RPCs by machine kind and outcome.",
	}, []string{"kind", "outcome"})
)
