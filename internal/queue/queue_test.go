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

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// implementations runs the conformance suite against every Queue backend.
func implementations(t *testing.T) map[string]Queue {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	sq, err := NewSQLite(context.Background(), db)
	if err != nil {
		t.Fatalf("failed to create sqlite queue: %v", err)
	}

	return map[string]Queue{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestEnqueueClaim_FIFOWithinPriority(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := q.Enqueue(ctx, "runs", json.RawMessage(`{"n":1}`), nil)
			if err != nil {
				t.Fatal(err)
			}
			second, err := q.Enqueue(ctx, "runs", json.RawMessage(`{"n":2}`), nil)
			if err != nil {
				t.Fatal(err)
			}

			got, err := q.Claim(ctx, "runs", time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if got == nil || got.ID != first.ID {
				t.Fatalf("expected first job %s, got %+v", first.ID, got)
			}
			if got.State != StateActive || got.Token == "" {
				t.Errorf("claimed job should be active with a token: %+v", got)
			}
			if got.AttemptsMade != 1 {
				t.Errorf("attempts_made = %d, want 1", got.AttemptsMade)
			}

			next, _ := q.Claim(ctx, "runs", time.Minute)
			if next == nil || next.ID != second.ID {
				t.Fatalf("expected second job %s, got %+v", second.ID, next)
			}

			empty, err := q.Claim(ctx, "runs", time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if empty != nil {
				t.Errorf("expected empty claim, got %+v", empty)
			}
		})
	}
}

func TestEnqueue_ExplicitPriorityClaimedFirst(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := q.Enqueue(ctx, "runs", json.RawMessage(`{"n":1}`), nil); err != nil {
				t.Fatal(err)
			}
			prio := int64(1)
			urgent, err := q.Enqueue(ctx, "runs", json.RawMessage(`{"n":2}`), &EnqueueOptions{Priority: &prio})
			if err != nil {
				t.Fatal(err)
			}
			if urgent.State != StatePrioritized {
				t.Errorf("state = %q, want prioritized", urgent.State)
			}

			got, err := q.Claim(ctx, "runs", time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if got == nil || got.ID != urgent.ID {
				t.Errorf("prioritized job should be claimed first, got %+v", got)
			}
		})
	}
}

func TestDelayedJob_NotClaimableUntilDue(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			job, err := q.Enqueue(ctx, "runs", json.RawMessage(`{}`), &EnqueueOptions{Delay: time.Hour})
			if err != nil {
				t.Fatal(err)
			}
			if job.State != StateDelayed {
				t.Fatalf("state = %q, want delayed", job.State)
			}

			got, err := q.Claim(ctx, "runs", time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if got != nil {
				t.Errorf("delayed job should not be claimable, got %+v", got)
			}
		})
	}
}

func TestMoveToDelayed_AndPromotion(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	job, _ := q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
	claimed, _ := q.Claim(ctx, "runs", time.Minute)

	if err := q.MoveToDelayed(ctx, job.ID, time.Now().Add(time.Hour), claimed.Token); err != nil {
		t.Fatal(err)
	}
	if got, _ := q.Claim(ctx, "runs", time.Minute); got != nil {
		t.Fatalf("parked job should not be claimable, got %+v", got)
	}

	// Jump past the delay.
	q.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	got, err := q.Claim(ctx, "runs", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("due job should be promoted and claimed, got %+v", got)
	}
	if got.AttemptsMade != 2 {
		t.Errorf("attempts_made = %d, want 2", got.AttemptsMade)
	}
}

func TestTokenEnforcement(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			job, _ := q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
			claimed, _ := q.Claim(ctx, "runs", time.Minute)

			if err := q.Complete(ctx, job.ID, "wrong-token", nil); err != ErrTokenMismatch {
				t.Errorf("Complete with wrong token = %v, want ErrTokenMismatch", err)
			}
			if err := q.Requeue(ctx, job.ID, "wrong-token"); err != ErrTokenMismatch {
				t.Errorf("Requeue with wrong token = %v, want ErrTokenMismatch", err)
			}
			if err := q.Remove(ctx, job.ID, "wrong-token"); err != ErrTokenMismatch {
				t.Errorf("Remove of active job with wrong token = %v, want ErrTokenMismatch", err)
			}

			if err := q.Complete(ctx, job.ID, claimed.Token, json.RawMessage(`{"ok":true}`)); err != nil {
				t.Fatal(err)
			}
			got, _ := q.Get(ctx, job.ID)
			if got.State != StateCompleted {
				t.Errorf("state = %q, want completed", got.State)
			}

			// Once the job is no longer active, Remove ignores the token.
			if err := q.Remove(ctx, job.ID, ""); err != nil {
				t.Errorf("Remove of completed job should not need a token: %v", err)
			}
		})
	}
}

func TestRequeue_DoesNotCountAttempt(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			job, _ := q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
			claimed, _ := q.Claim(ctx, "runs", time.Minute)

			if err := q.Requeue(ctx, job.ID, claimed.Token); err != nil {
				t.Fatal(err)
			}

			again, _ := q.Claim(ctx, "runs", time.Minute)
			if again == nil {
				t.Fatal("requeued job should be claimable")
			}
			if again.AttemptsMade != 1 {
				t.Errorf("attempts_made = %d, want 1 after requeue", again.AttemptsMade)
			}
			if again.Token == claimed.Token {
				t.Error("reclaim should mint a fresh token")
			}
		})
	}
}

func TestFail_RecordsReason(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			job, _ := q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
			claimed, _ := q.Claim(ctx, "runs", time.Minute)

			if err := q.Fail(ctx, job.ID, claimed.Token, "no machines"); err != nil {
				t.Fatal(err)
			}
			got, _ := q.Get(ctx, job.ID)
			if got.State != StateFailed || got.FailedReason != "no machines" {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestUpdateData_ShallowMerge(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			job, _ := q.Enqueue(ctx, "runs", json.RawMessage(`{"a":1,"b":2}`), nil)
			if err := q.UpdateData(ctx, job.ID, json.RawMessage(`{"b":3,"c":4}`)); err != nil {
				t.Fatal(err)
			}

			got, _ := q.Get(ctx, job.ID)
			var payload map[string]int
			if err := json.Unmarshal(got.Payload, &payload); err != nil {
				t.Fatal(err)
			}
			if payload["a"] != 1 || payload["b"] != 3 || payload["c"] != 4 {
				t.Errorf("payload = %v", payload)
			}
		})
	}
}

func TestRequeueStalled(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	job, _ := q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
	if _, err := q.Claim(ctx, "runs", time.Minute); err != nil {
		t.Fatal(err)
	}

	// Lock still live: nothing to do.
	ids, err := q.RequeueStalled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no stalled jobs, got %v", ids)
	}

	q.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	ids, err = q.RequeueStalled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != job.ID {
		t.Errorf("expected stalled %s, got %v", job.ID, ids)
	}

	got, _ := q.Get(ctx, job.ID)
	if got.State != StateWaiting {
		t.Errorf("state = %q, want waiting", got.State)
	}
}

func TestCounts(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
			q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
			q.Enqueue(ctx, "runs", json.RawMessage(`{}`), &EnqueueOptions{Delay: time.Hour})
			q.Enqueue(ctx, "other", json.RawMessage(`{}`), nil)
			q.Claim(ctx, "runs", time.Minute)

			c, err := q.Counts(ctx, "runs")
			if err != nil {
				t.Fatal(err)
			}
			if c.Waiting != 1 || c.Active != 1 || c.Delayed != 1 {
				t.Errorf("counts = %+v", c)
			}
			if c.Backlog() != 2 {
				t.Errorf("backlog = %d, want 2", c.Backlog())
			}
		})
	}
}

func TestClean_AgeAndCount(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	for i := 0; i < 3; i++ {
		job, _ := q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
		claimed, _ := q.Claim(ctx, "runs", time.Minute)
		if err := q.Complete(ctx, job.ID, claimed.Token, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Keep only the newest completed job; all are younger than maxAge.
	removed, err := q.Clean(ctx, "runs", StateCompleted, time.Hour, 1)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	c, _ := q.Counts(ctx, "runs")
	if c.Completed != 1 {
		t.Errorf("completed = %d, want 1", c.Completed)
	}
}

func TestDefaultPriority_OrdersByEnqueueTime(t *testing.T) {
	earlier := time.UnixMilli(1_700_000_000_000)
	later := earlier.Add(5 * time.Second)
	if DefaultPriority(earlier) >= DefaultPriority(later) {
		t.Errorf("earlier enqueue should get lower priority: %d vs %d",
			DefaultPriority(earlier), DefaultPriority(later))
	}
}

func TestList_OffsetAndLimit(t *testing.T) {
	for name, q := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var ids []string
			for i := 0; i < 5; i++ {
				job, err := q.Enqueue(ctx, "runs", json.RawMessage(`{}`), nil)
				if err != nil {
					t.Fatal(err)
				}
				ids = append(ids, job.ID)
				time.Sleep(2 * time.Millisecond)
			}

			all, err := q.List(ctx, "runs", StateWaiting, 0, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 5 {
				t.Fatalf("len(all) = %d, want 5", len(all))
			}
			for i, job := range all {
				if job.ID != ids[i] {
					t.Fatalf("all[%d] = %s, want %s", i, job.ID, ids[i])
				}
			}

			page, err := q.List(ctx, "runs", StateWaiting, 1, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(page) != 2 || page[0].ID != ids[1] || page[1].ID != ids[2] {
				t.Errorf("page = %+v, want jobs %s, %s", page, ids[1], ids[2])
			}

			past, err := q.List(ctx, "runs", StateWaiting, 10, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(past) != 0 {
				t.Errorf("offset past end should be empty, got %d jobs", len(past))
			}
		})
	}
}
