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
	"fmt"
	"sync/atomic"

	"github.com/comfydeploy/dispatch/internal/store"
)

// Strategy names a machine selection policy.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyLeastLoad  Strategy = "least-load"
)

// Selector picks the next machine to try from a candidate set. Selection
// is advisory; admission is still decided atomically per machine, so a
// stale pick simply fails to admit and the caller moves on.
type Selector interface {
	// Pick returns an ordering of eligible candidates, best first. An
	// empty slice means no candidate is eligible right now.
	Pick(candidates []*store.Machine) []*store.Machine
}

// NewSelector creates a selector for the named strategy.
func NewSelector(strategy Strategy) (Selector, error) {
	switch strategy {
	case StrategyRoundRobin:
		return &roundRobin{}, nil
	case StrategyLeastLoad, "":
		return leastLoad{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", strategy)
	}
}

// roundRobin rotates the starting machine across calls. The counter is
// shared by all queues on purpose so interleaved dispatches still spread.
type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) Pick(candidates []*store.Machine) []*store.Machine {
	eligible := filterEligible(candidates)
	if len(eligible) == 0 {
		return nil
	}

	start := int(r.next.Add(1)-1) % len(eligible)
	out := make([]*store.Machine, 0, len(eligible))
	for i := 0; i < len(eligible); i++ {
		out = append(out, eligible[(start+i)%len(eligible)])
	}
	return out
}

// leastLoad orders machines by current queue depth ascending. Ties keep
// the candidate order, so the first-listed machine wins.
type leastLoad struct{}

func (leastLoad) Pick(candidates []*store.Machine) []*store.Machine {
	eligible := filterEligible(candidates)
	if len(eligible) == 0 {
		return nil
	}

	// Stable insertion sort; candidate sets are small.
	out := make([]*store.Machine, 0, len(eligible))
	for _, m := range eligible {
		i := len(out)
		for i > 0 && out[i-1].CurrentQueue > m.CurrentQueue {
			i--
		}
		out = append(out, nil)
		copy(out[i+1:], out[i:])
		out[i] = m
	}
	return out
}

func filterEligible(candidates []*store.Machine) []*store.Machine {
	var out []*store.Machine
	for _, m := range candidates {
		if m.Eligible() {
			out = append(out, m)
		}
	}
	return out
}
