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

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/pkg/errors"
)

func readyMachine(id string, capacity int) *store.Machine {
	return &store.Machine{
		ID:       id,
		Name:     id,
		Kind:     store.MachineKindClassic,
		Endpoint: "http://localhost:8188",
		Status:   store.MachineStatusReady,
		Capacity: capacity,
	}
}

func TestAdmitMachine_CapacityBound(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.UpsertMachine(ctx, readyMachine("m1", 2)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		ok, err := s.AdmitMachine(ctx, "m1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("admit %d should succeed", i)
		}
	}

	ok, err := s.AdmitMachine(ctx, "m1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("admit beyond capacity should fail")
	}

	m, _ := s.GetMachine(ctx, "m1")
	if m.CurrentQueue != 2 {
		t.Errorf("current_queue = %d, want 2", m.CurrentQueue)
	}
	if m.OperationalStatus != store.OperationalBusy {
		t.Errorf("operational_status = %q, want busy", m.OperationalStatus)
	}
}

func TestAdmitMachine_CapacityHint(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.UpsertMachine(ctx, readyMachine("m1", 10)); err != nil {
		t.Fatal(err)
	}

	ok, _ := s.AdmitMachine(ctx, "m1", 1)
	if !ok {
		t.Fatal("first admit under hint should succeed")
	}
	ok, _ = s.AdmitMachine(ctx, "m1", 1)
	if ok {
		t.Error("hint of 1 should bound admission below capacity")
	}

	// A hint above capacity does not raise the bound.
	s.SetMachineQueue(ctx, "m1", 10)
	ok, _ = s.AdmitMachine(ctx, "m1", 100)
	if ok {
		t.Error("hint above capacity must not bypass capacity")
	}
}

func TestAdmitMachine_Ineligible(t *testing.T) {
	ctx := context.Background()
	s := New()

	building := readyMachine("building", 1)
	building.Status = store.MachineStatusBuilding
	disabled := readyMachine("disabled", 1)
	disabled.Disabled = true
	s.UpsertMachine(ctx, building)
	s.UpsertMachine(ctx, disabled)

	if ok, _ := s.AdmitMachine(ctx, "building", 0); ok {
		t.Error("building machine should not admit")
	}
	if ok, _ := s.AdmitMachine(ctx, "disabled", 0); ok {
		t.Error("disabled machine should not admit")
	}
}

func TestAdmitMachine_ConcurrentNeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	s := New()
	const capacity = 5
	s.UpsertMachine(ctx, readyMachine("m1", capacity))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AdmitMachine(ctx, "m1", 0)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != capacity {
		t.Errorf("admitted %d, want %d", admitted, capacity)
	}
	m, _ := s.GetMachine(ctx, "m1")
	if m.CurrentQueue != capacity {
		t.Errorf("current_queue = %d, want %d", m.CurrentQueue, capacity)
	}
}

func TestReleaseMachine_ClampsAtZero(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.UpsertMachine(ctx, readyMachine("m1", 3))

	if err := s.ReleaseMachine(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	m, _ := s.GetMachine(ctx, "m1")
	if m.CurrentQueue != 0 {
		t.Errorf("release at zero should clamp, got %d", m.CurrentQueue)
	}
	if m.OperationalStatus != store.OperationalIdle {
		t.Errorf("operational_status = %q, want idle", m.OperationalStatus)
	}
}

func TestSetMachineQueue_Reconcile(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.UpsertMachine(ctx, readyMachine("m1", 5))
	s.AdmitMachine(ctx, "m1", 0)
	s.AdmitMachine(ctx, "m1", 0)

	if err := s.SetMachineQueue(ctx, "m1", 0); err != nil {
		t.Fatal(err)
	}
	m, _ := s.GetMachine(ctx, "m1")
	if m.CurrentQueue != 0 {
		t.Errorf("current_queue = %d, want 0 after reconcile", m.CurrentQueue)
	}
	if m.OperationalStatus != store.OperationalIdle {
		t.Errorf("operational_status = %q, want idle", m.OperationalStatus)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := &store.Run{
		ID:         "run-1",
		WorkflowID: "wf-1",
		MachineID:  "m1",
		Origin:     store.RunOriginAPI,
		QueueJobID: "job-1",
		Status:     store.RunStatusNotStarted,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRunByQueueJobID(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "run-1" {
		t.Errorf("lookup by queue job returned %q", got.ID)
	}

	got.Status = store.RunStatusRunning
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, _ := s.GetRun(ctx, "run-1")
	if again.Status != store.RunStatusRunning {
		t.Errorf("status = %q, want running", again.Status)
	}

	var nf *errors.NotFoundError
	_, err = s.GetRun(ctx, "missing")
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestReplaceRunOutput_CollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.InsertRunOutput(ctx, &store.RunOutput{RunID: "run-1", Data: store.OutputData{Text: "old"}})
	s.InsertRunOutput(ctx, &store.RunOutput{RunID: "run-1", Data: store.OutputData{Text: "older"}})

	merged := store.OutputData{Text: "final"}
	if err := s.ReplaceRunOutput(ctx, "run-1", merged); err != nil {
		t.Fatal(err)
	}

	rows, err := s.ListRunOutputs(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 canonical row, got %d", len(rows))
	}
	if rows[0].Data.Text != "final" {
		t.Errorf("data = %+v", rows[0].Data)
	}
}

func TestClearRunOutputs(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.ReplaceRunOutput(ctx, "run-1", store.OutputData{Text: "x"})
	if err := s.ClearRunOutputs(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	rows, _ := s.ListRunOutputs(ctx, "run-1")
	if len(rows) != 0 {
		t.Errorf("expected no rows after clear, got %d", len(rows))
	}
}
