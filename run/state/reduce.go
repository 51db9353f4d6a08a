package state

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Update is a partial state delta produced by one node execution. Each
// field is merged into the run state by its declared reducer:
//
//   - Messages, Actions, ToolResults: append
//   - PutFiles, Meta: key-merge, last writer wins
//   - Task: replace when non-nil
//   - Blackboard: per-key rule from the Schema (default last writer wins)
//   - DeleteFiles: explicit removal, rejected for referenced files
type Update struct {
	Messages    []Message         `json:"messages,omitempty"`
	Actions     []Action          `json:"action_history,omitempty"`
	PutFiles    map[string]File   `json:"files,omitempty"`
	DeleteFiles []string          `json:"delete_files,omitempty"`
	Task        *Task             `json:"current_task,omitempty"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`
	Blackboard  map[string]any    `json:"blackboard,omitempty"`
	Meta        map[string]string `json:"metadata,omitempty"`
}

// IsZero reports whether the update carries no changes.
func (u Update) IsZero() bool {
	return len(u.Messages) == 0 && len(u.Actions) == 0 && len(u.PutFiles) == 0 &&
		len(u.DeleteFiles) == 0 && u.Task == nil && len(u.ToolResults) == 0 &&
		len(u.Blackboard) == 0 && len(u.Meta) == 0
}

// MergeRule selects the reducer applied to a blackboard key. Rules form a
// closed set; an unknown tag in a Schema is a schema violation, not a
// silent fallback.
type MergeRule string

const (
	// MergeReplace is last-writer-wins (the default for undeclared keys).
	MergeReplace MergeRule = "replace"

	// MergeUnion treats both values as string sets and unions them,
	// returning a sorted slice. Useful for tags.
	MergeUnion MergeRule = "union"

	// MergeAppend concatenates list values, keeping prior entries.
	MergeAppend MergeRule = "append"
)

// Schema declares per-key blackboard merge rules. Keys without a rule use
// MergeReplace.
type Schema struct {
	Blackboard map[string]MergeRule
}

// DefaultSchema returns the rules the runtime ships with: tags are a set,
// retrieved context snippets accumulate.
func DefaultSchema() Schema {
	return Schema{Blackboard: map[string]MergeRule{
		"tags":    MergeUnion,
		"context": MergeAppend,
	}}
}

// DecodeUpdate parses an update from JSON, rejecting unknown fields with a
// SchemaError. External collaborators (planner output, human input) enter
// the state store through this path.
func DecodeUpdate(data []byte) (Update, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var u Update
	if err := dec.Decode(&u); err != nil {
		return Update{}, &SchemaError{Reason: err.Error()}
	}
	return u, nil
}

// Apply merges an update into prev and returns the next state. prev is
// never modified. Apply is total for well-typed updates: the only errors
// are schema violations (unknown merge rule, deletion of a referenced
// file) and clone failures, both of which are fatal to the step.
//
// Applying updates is associative per field's reducer: appends concatenate
// in order, key merges are last-writer-wins, so merging [A, B] then C
// equals merging A then [B, C] when the updates touch disjoint keys.
func Apply(schema Schema, prev *RunState, u Update) (*RunState, error) {
	next, err := prev.Clone()
	if err != nil {
		return nil, err
	}

	next.Messages = append(next.Messages, u.Messages...)
	next.Actions = append(next.Actions, u.Actions...)

	for id, f := range u.PutFiles {
		next.Files[id] = f
	}
	if len(u.DeleteFiles) > 0 {
		refs := next.referencedFiles()
		for _, id := range u.DeleteFiles {
			if refs[id] {
				return nil, &SchemaError{Field: "files", Reason: "cannot delete referenced file " + id}
			}
			delete(next.Files, id)
		}
	}

	if u.Task != nil {
		t := *u.Task
		next.Task = &t
	}

	for _, tr := range u.ToolResults {
		if prior, ok := next.FindToolResult(tr.Tool, tr.Digest); ok {
			// Digest already recorded for this tool. Pending entries are
			// promoted in place when the background result arrives;
			// anything else is an idempotent duplicate and is dropped.
			if prior.Status == ToolPending && tr.Status != ToolPending {
				for i := range next.ToolResults {
					if next.ToolResults[i].Tool == tr.Tool && next.ToolResults[i].Digest == tr.Digest {
						next.ToolResults[i] = tr
					}
				}
			}
			continue
		}
		next.ToolResults = append(next.ToolResults, tr)
	}

	for k, v := range u.Blackboard {
		merged, err := mergeBlackboard(schema, k, next.Blackboard[k], v)
		if err != nil {
			return nil, err
		}
		next.Blackboard[k] = merged
	}

	for k, v := range u.Meta {
		next.Meta[k] = v
	}

	return next, nil
}

// mergeBlackboard applies the declared rule for one blackboard key.
func mergeBlackboard(schema Schema, key string, prev, delta any) (any, error) {
	rule := MergeReplace
	if r, ok := schema.Blackboard[key]; ok {
		rule = r
	}
	switch rule {
	case MergeReplace:
		return delta, nil
	case MergeUnion:
		return unionStrings(prev, delta)
	case MergeAppend:
		return appendLists(prev, delta), nil
	default:
		return nil, &SchemaError{Field: "blackboard." + key, Reason: "unknown merge rule " + string(rule)}
	}
}

func unionStrings(prev, delta any) (any, error) {
	set := make(map[string]bool)
	for _, v := range [2]any{prev, delta} {
		ss, err := toStrings(v)
		if err != nil {
			return nil, err
		}
		for _, s := range ss {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func toStrings(v any) ([]string, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return vv, nil
	case string:
		return []string{vv}, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, &SchemaError{Field: "blackboard", Reason: "union rule requires string elements"}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &SchemaError{Field: "blackboard", Reason: "union rule requires string values"}
	}
}

func appendLists(prev, delta any) any {
	out := toList(prev)
	out = append(out, toList(delta)...)
	return out
}

func toList(v any) []any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []any:
		return vv
	default:
		return []any{vv}
	}
}
