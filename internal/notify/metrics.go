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

package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_notifications_published_total",
		Help: "Notifications enqueued for delivery, by run status.",
	}, []string{"status"})

	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_notifications_delivered_total",
		Help: "Delivery attempts by outcome.",
	}, []string{"outcome"})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_notification_delivery_seconds",
		Help:    "Webhook POST duration.",
		Buckets: prometheus.DefBuckets,
	})
)
