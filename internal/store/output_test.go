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

package store

import (
	"encoding/json"
	"testing"
)

func TestMergeOutputData_UpsertByFilename(t *testing.T) {
	base := OutputData{
		Images: []Artifact{
			{Filename: "a.png", URL: "http://old/a.png"},
			{Filename: "b.png", URL: "http://old/b.png"},
		},
	}
	delta := OutputData{
		Images: []Artifact{
			{Filename: "a.png", URL: "http://new/a.png"},
			{Filename: "c.png", URL: "http://new/c.png"},
		},
	}

	got := MergeOutputData(base, delta)

	if len(got.Images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(got.Images))
	}
	if got.Images[0].URL != "http://new/a.png" {
		t.Errorf("a.png should be replaced, got %q", got.Images[0].URL)
	}
	if got.Images[1].Filename != "b.png" {
		t.Errorf("b.png should keep its position, got %q", got.Images[1].Filename)
	}
	if got.Images[2].Filename != "c.png" {
		t.Errorf("c.png should be appended, got %q", got.Images[2].Filename)
	}
}

func TestMergeOutputData_ScalarsLastWriteWins(t *testing.T) {
	base := OutputData{Text: "partial", Error: &RunError{Type: "old", Message: "m"}}
	delta := OutputData{Text: "final"}

	got := MergeOutputData(base, delta)
	if got.Text != "final" {
		t.Errorf("text should be overwritten, got %q", got.Text)
	}
	if got.Error == nil || got.Error.Type != "old" {
		t.Errorf("error should survive a delta without one, got %+v", got.Error)
	}

	got = MergeOutputData(got, OutputData{Error: &RunError{Type: "new"}})
	if got.Error.Type != "new" {
		t.Errorf("error should be overwritten when set, got %+v", got.Error)
	}
}

func TestMergeOutputData_Commutative(t *testing.T) {
	// Deltas touching disjoint filenames can arrive in any order.
	a := OutputData{Images: []Artifact{{Filename: "a.png", URL: "u1"}}}
	b := OutputData{Files: []Artifact{{Filename: "out.json", URL: "u2"}}}

	ab := MergeOutputData(a, b)
	ba := MergeOutputData(b, a)

	if len(ab.Images) != len(ba.Images) || len(ab.Files) != len(ba.Files) {
		t.Errorf("disjoint merge should commute: %+v vs %+v", ab, ba)
	}
	if ab.Images[0].URL != "u1" || ba.Images[0].URL != "u1" {
		t.Error("image artifact lost in merge")
	}
}

func TestMergeOutputData_Associative(t *testing.T) {
	a := OutputData{Images: []Artifact{{Filename: "x.png", URL: "v1"}}}
	b := OutputData{Images: []Artifact{{Filename: "x.png", URL: "v2"}}}
	c := OutputData{Images: []Artifact{{Filename: "y.png", URL: "v3"}}}

	left := MergeOutputData(MergeOutputData(a, b), c)
	right := MergeOutputData(a, MergeOutputData(b, c))

	if left.Images[0].URL != "v2" || right.Images[0].URL != "v2" {
		t.Errorf("later write for x.png should win in both groupings: %+v vs %+v", left, right)
	}
	if len(left.Images) != 2 || len(right.Images) != 2 {
		t.Errorf("both groupings should contain x and y: %+v vs %+v", left, right)
	}
}

func TestOutputData_UnknownFieldPassthrough(t *testing.T) {
	in := []byte(`{"images":[{"filename":"a.png"}],"gpu_seconds":12.5,"node_errors":{"3":"oom"}}`)

	var data OutputData
	if err := json.Unmarshal(in, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(data.Images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(data.Images))
	}
	if _, ok := data.Extra["gpu_seconds"]; !ok {
		t.Error("unknown field gpu_seconds should be preserved")
	}

	out, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round map[string]any
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if round["gpu_seconds"] != 12.5 {
		t.Errorf("gpu_seconds lost on round trip: %v", round)
	}
	if _, ok := round["node_errors"]; !ok {
		t.Errorf("node_errors lost on round trip: %v", round)
	}
}

func TestMergeOutputData_ExtraMerged(t *testing.T) {
	base := OutputData{Extra: map[string]json.RawMessage{"a": json.RawMessage(`1`)}}
	delta := OutputData{Extra: map[string]json.RawMessage{"a": json.RawMessage(`2`), "b": json.RawMessage(`3`)}}

	got := MergeOutputData(base, delta)
	if string(got.Extra["a"]) != "2" {
		t.Errorf("extra field a should be overwritten, got %s", got.Extra["a"])
	}
	if string(got.Extra["b"]) != "3" {
		t.Errorf("extra field b missing, got %v", got.Extra)
	}
}

func TestOutputData_Empty(t *testing.T) {
	var data OutputData
	if !data.Empty() {
		t.Error("zero value should be empty")
	}
	data.Text = "x"
	if data.Empty() {
		t.Error("output with text is not empty")
	}
}
