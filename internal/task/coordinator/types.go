package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/task/verify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TaskResult statuses as reported by delegates.
const (
	ResultSubmitted          = "submitted"
	ResultNeedsClarification = "needs_clarification"
	ResultFailed             = "failed"
)

// Parse failure messages, also persisted as the task's last_error.
var (
	errMissingPayload = errors.New("missing TaskResult JSON payload")
	errInvalidSchema  = errors.New("invalid TaskResult schema")
	errInvalidVerdict = errors.New("invalid SupervisorVerdict payload")
)

// TaskSpec describes one unit of delegated work.
type TaskSpec struct {
	TaskID             string       `json:"taskId"`
	ParentTaskID       string       `json:"parentTaskId,omitempty"`
	AgentID            string       `json:"agentId"`
	Revision           int          `json:"revision"`
	Goal               string       `json:"goal"`
	Constraints        []string     `json:"constraints,omitempty"`
	Deliverables       []string     `json:"deliverables,omitempty"`
	AcceptanceCriteria []string     `json:"acceptanceCriteria,omitempty"`
	Verification       *verify.Spec `json:"verification,omitempty"`
}

// TaskResult is the delegate's structured report for one task.
type TaskResult struct {
	TaskID       string   `json:"taskId,omitempty"`
	Revision     int      `json:"revision,omitempty"`
	Status       string   `json:"status"`
	Summary      string   `json:"summary"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
	HowToVerify  []string `json:"howToVerify,omitempty"`
	KnownRisks   []string `json:"knownRisks,omitempty"`
	Questions    []string `json:"questions,omitempty"`
}

// SupervisorVerdict is the supervisor's accept/reject decision set.
type SupervisorVerdict struct {
	Verdicts []Verdict `json:"verdicts"`
}

// Verdict is one per-task decision.
type Verdict struct {
	TaskID string `json:"taskId"`
	Accept bool   `json:"accept"`
	Note   string `json:"note,omitempty"`
}

const taskResultSchema = `{
	"type": "object",
	"required": ["status", "summary"],
	"properties": {
		"taskId": {"type": "string"},
		"revision": {"type": "integer"},
		"status": {"enum": ["submitted", "needs_clarification", "failed"]},
		"summary": {"type": "string"},
		"changedFiles": {"type": "array", "items": {"type": "string"}},
		"howToVerify": {"type": "array", "items": {"type": "string"}},
		"knownRisks": {"type": "array", "items": {"type": "string"}},
		"questions": {"type": "array", "items": {"type": "string"}}
	}
}`

const verdictSchema = `{
	"type": "object",
	"required": ["verdicts"],
	"properties": {
		"verdicts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["taskId", "accept"],
				"properties": {
					"taskId": {"type": "string"},
					"accept": {"type": "boolean"},
					"note": {"type": "string"}
				}
			}
		}
	}
}`

var (
	compiledTaskResultSchema = mustCompileSchema("task_result.json", taskResultSchema)
	compiledVerdictSchema    = mustCompileSchema("supervisor_verdict.json", verdictSchema)
)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("register schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// ParseTaskResult locates and validates the delegate's TaskResult payload.
// The payload is preferred from a json fence and falls back to the first
// balanced object in the text.
func ParseTaskResult(text string) (*TaskResult, error) {
	doc := adapter.ExtractJSON(text)
	if doc == "" {
		return nil, errMissingPayload
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, errInvalidSchema
	}
	if err := compiledTaskResultSchema.Validate(instance); err != nil {
		return nil, errInvalidSchema
	}
	var result TaskResult
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return nil, errInvalidSchema
	}
	return &result, nil
}

// ParseVerdict locates and validates a SupervisorVerdict payload.
func ParseVerdict(text string) (*SupervisorVerdict, error) {
	doc := adapter.ExtractJSON(text)
	if doc == "" {
		return nil, errInvalidVerdict
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, errInvalidVerdict
	}
	if err := compiledVerdictSchema.Validate(instance); err != nil {
		return nil, errInvalidVerdict
	}
	var verdict SupervisorVerdict
	if err := json.Unmarshal([]byte(doc), &verdict); err != nil {
		return nil, errInvalidVerdict
	}
	return &verdict, nil
}
