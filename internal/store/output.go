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

import "encoding/json"

// Artifact is a single produced file, keyed by filename within its array.
type Artifact struct {
	Filename string `json:"filename"`
	URL      string `json:"url,omitempty"`
	Type     string `json:"type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// RunError carries the failure payload reported by a backend.
type RunError struct {
	Type    string `json:"error_type,omitempty"`
	Message string `json:"message,omitempty"`
}

// OutputData is the tagged union of artifacts a backend can report.
// Unknown top-level fields are preserved verbatim in Extra so callers can
// pass through backend-specific data without this package knowing its shape.
type OutputData struct {
	Images []Artifact `json:"images,omitempty"`
	Files  []Artifact `json:"files,omitempty"`
	Gifs   []Artifact `json:"gifs,omitempty"`
	Text   string     `json:"text,omitempty"`
	Error  *RunError  `json:"error,omitempty"`

	// Extra holds unrecognized top-level fields as opaque JSON.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownOutputFields are the tagged-union members handled natively.
var knownOutputFields = map[string]struct{}{
	"images": {},
	"files":  {},
	"gifs":   {},
	"text":   {},
	"error":  {},
}

// outputDataAlias avoids MarshalJSON/UnmarshalJSON recursion.
type outputDataAlias OutputData

// UnmarshalJSON decodes known fields into the union and stashes the rest
// in Extra.
func (o *OutputData) UnmarshalJSON(data []byte) error {
	var alias outputDataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if _, known := knownOutputFields[key]; known {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}

	*o = OutputData(alias)
	return nil
}

// MarshalJSON encodes the union fields and merges Extra back in.
func (o OutputData) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(outputDataAlias(o))
	if err != nil {
		return nil, err
	}
	if len(o.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range o.Extra {
		if _, known := knownOutputFields[key]; known {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

// Empty reports whether the output carries no data at all.
func (o *OutputData) Empty() bool {
	return len(o.Images) == 0 && len(o.Files) == 0 && len(o.Gifs) == 0 &&
		o.Text == "" && o.Error == nil && len(o.Extra) == 0
}

// MergeOutputData combines two output payloads. Artifact arrays are upserted
// keyed by filename with later entries winning per field; scalar fields are
// last write wins. The operation is associative and commutative over the
// filename-keyed arrays, so deltas can be folded in any order.
func MergeOutputData(base, delta OutputData) OutputData {
	out := OutputData{
		Images: mergeArtifacts(base.Images, delta.Images),
		Files:  mergeArtifacts(base.Files, delta.Files),
		Gifs:   mergeArtifacts(base.Gifs, delta.Gifs),
		Text:   base.Text,
		Error:  base.Error,
	}
	if delta.Text != "" {
		out.Text = delta.Text
	}
	if delta.Error != nil {
		out.Error = delta.Error
	}

	if len(base.Extra) > 0 || len(delta.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(base.Extra)+len(delta.Extra))
		for key, value := range base.Extra {
			out.Extra[key] = value
		}
		for key, value := range delta.Extra {
			out.Extra[key] = value
		}
	}

	return out
}

// mergeArtifacts upserts delta entries into base keyed by filename,
// preserving first-seen order for previously known entries.
func mergeArtifacts(base, delta []Artifact) []Artifact {
	if len(base) == 0 && len(delta) == 0 {
		return nil
	}

	index := make(map[string]int, len(base))
	out := make([]Artifact, len(base))
	copy(out, base)
	for i, a := range out {
		index[a.Filename] = i
	}

	for _, a := range delta {
		if i, ok := index[a.Filename]; ok {
			out[i] = a
			continue
		}
		index[a.Filename] = len(out)
		out = append(out, a)
	}

	return out
}
