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
	"testing"

	"github.com/comfydeploy/dispatch/internal/store"
)

func ready(id string, queue, capacity int) *store.Machine {
	return &store.Machine{
		ID:           id,
		Name:         id,
		Kind:         store.MachineKindClassic,
		Endpoint:     "http://localhost:8188",
		Status:       store.MachineStatusReady,
		CurrentQueue: queue,
		Capacity:     capacity,
	}
}

func TestLeastLoad_OrdersByQueueDepth(t *testing.T) {
	sel, err := NewSelector(StrategyLeastLoad)
	if err != nil {
		t.Fatal(err)
	}

	picks := sel.Pick([]*store.Machine{
		ready("m1", 3, 5),
		ready("m2", 1, 5),
		ready("m3", 2, 5),
	})
	if len(picks) != 3 {
		t.Fatalf("expected 3 picks, got %d", len(picks))
	}
	want := []string{"m2", "m3", "m1"}
	for i, m := range picks {
		if m.ID != want[i] {
			t.Errorf("pick[%d] = %q, want %q", i, m.ID, want[i])
		}
	}
}

func TestLeastLoad_TiesKeepCandidateOrder(t *testing.T) {
	sel, _ := NewSelector(StrategyLeastLoad)

	picks := sel.Pick([]*store.Machine{
		ready("m1", 1, 5),
		ready("m2", 1, 5),
	})
	if picks[0].ID != "m1" {
		t.Errorf("tie should keep candidate order, got %q first", picks[0].ID)
	}
}

func TestLeastLoad_FiltersIneligible(t *testing.T) {
	sel, _ := NewSelector(StrategyLeastLoad)

	full := ready("full", 5, 5)
	disabled := ready("disabled", 0, 5)
	disabled.Disabled = true
	building := ready("building", 0, 5)
	building.Status = store.MachineStatusBuilding

	picks := sel.Pick([]*store.Machine{full, disabled, building, ready("ok", 2, 5)})
	if len(picks) != 1 || picks[0].ID != "ok" {
		t.Errorf("only eligible machine should survive, got %+v", picks)
	}

	if got := sel.Pick([]*store.Machine{full}); got != nil {
		t.Errorf("expected nil for no eligible machines, got %+v", got)
	}
}

func TestRoundRobin_RotatesStart(t *testing.T) {
	sel, err := NewSelector(StrategyRoundRobin)
	if err != nil {
		t.Fatal(err)
	}

	candidates := []*store.Machine{
		ready("m1", 0, 5),
		ready("m2", 0, 5),
		ready("m3", 0, 5),
	}

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		picks := sel.Pick(candidates)
		if len(picks) != 3 {
			t.Fatalf("expected full ordering, got %d", len(picks))
		}
		seen[picks[0].ID]++
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if seen[id] != 2 {
			t.Errorf("machine %s led %d times, want 2: %v", id, seen[id], seen)
		}
	}
}

func TestNewSelector_Unknown(t *testing.T) {
	if _, err := NewSelector("random"); err == nil {
		t.Error("unknown strategy should error")
	}
	// Empty defaults to least-load.
	if _, err := NewSelector(""); err != nil {
		t.Errorf("empty strategy should default: %v", err)
	}
}

func TestEligibilityReason(t *testing.T) {
	if got := EligibilityReason(ready("m1", 0, 5)); got != "" {
		t.Errorf("ready machine should have no reason, got %q", got)
	}

	m := ready("m1", 0, 5)
	m.Disabled = true
	if got := EligibilityReason(m); got != "disabled" {
		t.Errorf("got %q", got)
	}

	m = ready("m1", 0, 5)
	m.Status = store.MachineStatusBuilding
	if got := EligibilityReason(m); got != "status=building" {
		t.Errorf("got %q", got)
	}

	m = ready("m1", 5, 5)
	if got := EligibilityReason(m); got != "queue_full(5/5)" {
		t.Errorf("got %q", got)
	}
}
