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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/comfydeploy/dispatch/internal/store"
	"github.com/comfydeploy/dispatch/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "dispatch.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeploymentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := &store.Deployment{
		ID:                "dep-1",
		WorkflowID:        "wf-1",
		WorkflowVersionID: "ver-1",
		MachineID:         "m1",
		Environment:       store.EnvProduction,
	}
	if err := s.PutDeployment(ctx, d); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MachineID != "m1" || got.Environment != store.EnvProduction {
		t.Errorf("unexpected deployment: %+v", got)
	}
	if got.MachineGroupID != "" {
		t.Errorf("machine_group_id should be empty, got %q", got.MachineGroupID)
	}

	var nf *errors.NotFoundError
	_, err = s.GetDeployment(ctx, "missing")
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestWorkflowVersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v := &store.WorkflowVersion{
		ID:         "ver-1",
		WorkflowID: "wf-1",
		Version:    3,
		WorkflowAPI: map[string]any{
			"6": map[string]any{
				"class_type": "ComfyUIDeployExternalText",
				"inputs":     map[string]any{"input_id": "prompt"},
			},
		},
	}
	if err := s.PutWorkflowVersion(ctx, v); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorkflowVersion(ctx, "ver-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
	node, ok := got.WorkflowAPI["6"].(map[string]any)
	if !ok || node["class_type"] != "ComfyUIDeployExternalText" {
		t.Errorf("workflow_api lost structure: %+v", got.WorkflowAPI)
	}
}

func TestAdmitMachine_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := &store.Machine{
		ID:       "m1",
		Name:     "gpu-1",
		Kind:     store.MachineKindClassic,
		Endpoint: "http://localhost:8188",
		Status:   store.MachineStatusReady,
		Capacity: 2,
	}
	if err := s.UpsertMachine(ctx, m); err != nil {
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
	if ok, _ := s.AdmitMachine(ctx, "m1", 0); ok {
		t.Error("admit beyond capacity should fail")
	}

	got, _ := s.GetMachine(ctx, "m1")
	if got.CurrentQueue != 2 {
		t.Errorf("current_queue = %d, want 2", got.CurrentQueue)
	}
	if got.OperationalStatus != store.OperationalBusy {
		t.Errorf("operational_status = %q, want busy", got.OperationalStatus)
	}
}

func TestAdmitMachine_HintBelowCapacity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.UpsertMachine(ctx, &store.Machine{
		ID: "m1", Name: "gpu-1", Kind: store.MachineKindClassic,
		Endpoint: "http://localhost:8188", Status: store.MachineStatusReady,
		Capacity: 10,
	})

	ok, _ := s.AdmitMachine(ctx, "m1", 1)
	if !ok {
		t.Fatal("first admit should succeed")
	}
	if ok, _ := s.AdmitMachine(ctx, "m1", 1); ok {
		t.Error("hint of 1 should bound admission")
	}
	// No hint still has 9 slots left.
	if ok, _ := s.AdmitMachine(ctx, "m1", 0); !ok {
		t.Error("admit without hint should use full capacity")
	}
}

func TestAdmitMachine_DisabledAndNotReady(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.UpsertMachine(ctx, &store.Machine{
		ID: "building", Name: "b", Kind: store.MachineKindClassic,
		Endpoint: "http://x", Status: store.MachineStatusBuilding, Capacity: 1,
	})
	s.UpsertMachine(ctx, &store.Machine{
		ID: "disabled", Name: "d", Kind: store.MachineKindClassic,
		Endpoint: "http://x", Status: store.MachineStatusReady, Capacity: 1,
		Disabled: true,
	})

	if ok, _ := s.AdmitMachine(ctx, "building", 0); ok {
		t.Error("building machine should not admit")
	}
	if ok, _ := s.AdmitMachine(ctx, "disabled", 0); ok {
		t.Error("disabled machine should not admit")
	}
}

func TestReleaseMachine_ClampAndIdle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.UpsertMachine(ctx, &store.Machine{
		ID: "m1", Name: "gpu-1", Kind: store.MachineKindClassic,
		Endpoint: "http://x", Status: store.MachineStatusReady, Capacity: 3,
	})

	// Release at zero clamps.
	if err := s.ReleaseMachine(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetMachine(ctx, "m1")
	if got.CurrentQueue != 0 {
		t.Errorf("current_queue = %d, want 0", got.CurrentQueue)
	}

	s.AdmitMachine(ctx, "m1", 0)
	s.AdmitMachine(ctx, "m1", 0)
	s.ReleaseMachine(ctx, "m1")
	got, _ = s.GetMachine(ctx, "m1")
	if got.CurrentQueue != 1 || got.OperationalStatus != store.OperationalBusy {
		t.Errorf("got %d/%s, want 1/busy", got.CurrentQueue, got.OperationalStatus)
	}

	s.ReleaseMachine(ctx, "m1")
	got, _ = s.GetMachine(ctx, "m1")
	if got.CurrentQueue != 0 || got.OperationalStatus != store.OperationalIdle {
		t.Errorf("got %d/%s, want 0/idle", got.CurrentQueue, got.OperationalStatus)
	}
}

func TestGroupMembershipOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		s.UpsertMachine(ctx, &store.Machine{
			ID: id, Name: id, Kind: store.MachineKindClassic,
			Endpoint: "http://x", Status: store.MachineStatusReady, Capacity: 1,
		})
	}
	if err := s.SetGroupMachines(ctx, "g1", []string{"m3", "m1", "m2"}); err != nil {
		t.Fatal(err)
	}

	members, err := s.ListGroupMachines(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m3", "m1", "m2"}
	for i, m := range members {
		if m.ID != want[i] {
			t.Errorf("member[%d] = %q, want %q", i, m.ID, want[i])
		}
	}

	// Replacing membership drops old members.
	s.SetGroupMachines(ctx, "g1", []string{"m2"})
	members, _ = s.ListGroupMachines(ctx, "g1")
	if len(members) != 1 || members[0].ID != "m2" {
		t.Errorf("membership not replaced: %+v", members)
	}
}

func TestRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &store.Run{
		ID:                "run-1",
		WorkflowID:        "wf-1",
		WorkflowVersionID: "ver-1",
		DeploymentID:      "dep-1",
		Inputs:            map[string]any{"prompt": "a cat"},
		MachineID:         "m1",
		Origin:            store.RunOriginAPI,
		QueueJobID:        "job-1",
		Status:            store.RunStatusNotStarted,
		MaxRetries:        3,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRunByQueueJobID(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Inputs["prompt"] != "a cat" {
		t.Errorf("inputs lost: %+v", got.Inputs)
	}
	if got.StartedAt != nil {
		t.Error("started_at should be nil before start")
	}

	got.Status = store.RunStatusRunning
	now := got.CreatedAt
	got.StartedAt = &now
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatal(err)
	}

	again, _ := s.GetRun(ctx, "run-1")
	if again.Status != store.RunStatusRunning || again.StartedAt == nil {
		t.Errorf("update lost fields: %+v", again)
	}
}

func TestReplaceRunOutput_SingleCanonicalRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.ReplaceRunOutput(ctx, "run-1", store.OutputData{Text: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceRunOutput(ctx, "run-1", store.OutputData{Text: "second"}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.ListRunOutputs(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Data.Text != "second" {
		t.Errorf("data = %+v", rows[0].Data)
	}

	if err := s.ClearRunOutputs(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	rows, _ = s.ListRunOutputs(ctx, "run-1")
	if len(rows) != 0 {
		t.Errorf("expected no rows after clear, got %d", len(rows))
	}
}
