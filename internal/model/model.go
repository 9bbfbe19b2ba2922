// Package model holds the data types exchanged between the runner and the
// scheduler: repositories, functions, scans and their metric results.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Repository is immutable metadata describing a scan target, as returned by
// the scheduler's /repositories endpoint.
type Repository struct {
	PublicID  string   `json:"publicId"`
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Branch    string   `json:"branch,omitempty"`
	Directory string   `json:"directory,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// GitCommit is the result of a git sync: the commit the runner checked out.
type GitCommit struct {
	CommitID string `json:"commitId"`
	Message  string `json:"message,omitempty"`
	Branch   string `json:"branch"`
}

// Environment describes the container a stage runs in.
type Environment struct {
	Name          string `json:"name"`
	BaseImage     string `json:"baseImage"`
	FileExtension string `json:"fileExtension"`
	Executor      string `json:"executor"`
	User          string `json:"user,omitempty"`
}

// Capabilities are the sandbox relaxations a function requests.
type Capabilities struct {
	Network    bool `json:"network"`
	Filesystem bool `json:"filesystem"`
}

// Stage is a single containerized step of a function: an environment plus
// the script body to execute inside it.
type Stage struct {
	Environment Environment `json:"environment"`
	Content     string      `json:"content"`
}

// FunctionOutput documents one metric key a function may emit.
type FunctionOutput struct {
	Key          string      `json:"key"`
	Description  string      `json:"description"`
	DataType     string      `json:"dataType"`
	DefaultValue MetricValue `json:"defaultValue"`
}

// CodeFunction is the recipe for a scan: an ordered, non-empty list of
// stages plus the metrics it declares producing.
type CodeFunction struct {
	PublicID     string           `json:"publicId"`
	Name         string           `json:"name"`
	Capabilities Capabilities     `json:"capabilities"`
	Outputs      []FunctionOutput `json:"outputs"`
	Stages       []Stage          `json:"stages"`
}

// ScanMetadata is one metric entry in a Scan's results list.
type ScanMetadata struct {
	Key         string      `json:"key"`
	Description string      `json:"description"`
	Value       MetricValue `json:"value"`
}

// Scan is the report shipped back to the scheduler after a function has run
// against a repository commit.
type Scan struct {
	FunctionID   string         `json:"functionId"`
	RepositoryID string         `json:"repositoryId"`
	Commit       GitCommit      `json:"commit"`
	HasFailed    bool           `json:"hasFailed"`
	Logs         string         `json:"logs"`
	TimingMs     int64          `json:"timingMs"`
	Results      []ScanMetadata `json:"results"`
}

// CodeIssue is a named finding emitted by a function. RepositoryID,
// FunctionID and ScanID are filled in by the runner before upload; they are
// absent from the function's own issues.toml.
type CodeIssue struct {
	Name         string  `json:"name"`
	Severity     *string `json:"severity,omitempty"`
	RepositoryID *string `json:"repositoryId,omitempty"`
	FunctionID   *string `json:"functionId,omitempty"`
	ScanID       *string `json:"scanId,omitempty"`
}

// ScanRequest is the decoded form of a control-plane wire message.
type ScanRequest struct {
	Version      string
	Repositories []string
	Functions    []string
}

// storeScanResponse mirrors the scheduler's POST /scans reply; PublicID is
// substituted with "-" by the caller when absent.
type storeScanResponse struct {
	PublicID *string `json:"publicId"`
}

// StoreScanResponsePublicID extracts the scan's assigned id from a raw JSON
// reply, defaulting to "-" when the field is missing, matching the source
// runner's behavior.
func StoreScanResponsePublicID(body []byte) string {
	var resp storeScanResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.PublicID == nil {
		return "-"
	}
	return *resp.PublicID
}

// MetricKind discriminates the variant held by a MetricValue.
type MetricKind int

const (
	// MetricKindInt holds a 64-bit integer value.
	MetricKindInt MetricKind = iota
	// MetricKindText holds a string value.
	MetricKindText
	// MetricKindBool holds a boolean value.
	MetricKindBool
)

// MetricValue is a tagged union over {int64, string, bool}, mirroring the
// untagged `serde` enum the source function outputs are decoded from: on
// the wire it serializes as a bare scalar, never as an object with a
// discriminator field.
type MetricValue struct {
	Kind MetricKind
	Int  int64
	Text string
	Bool bool
}

// NewIntMetric builds an integer MetricValue.
func NewIntMetric(v int64) MetricValue { return MetricValue{Kind: MetricKindInt, Int: v} }

// NewTextMetric builds a string MetricValue.
func NewTextMetric(v string) MetricValue { return MetricValue{Kind: MetricKindText, Text: v} }

// NewBoolMetric builds a boolean MetricValue.
func NewBoolMetric(v bool) MetricValue { return MetricValue{Kind: MetricKindBool, Bool: v} }

// MetricValueFromAny converts a value decoded from data.toml (through a
// generic map[string]interface{} unmarshal) into a MetricValue, picking
// the variant that matches the Go type TOML produced.
func MetricValueFromAny(v interface{}) (MetricValue, error) {
	switch value := v.(type) {
	case int64:
		return NewIntMetric(value), nil
	case int:
		return NewIntMetric(int64(value)), nil
	case string:
		return NewTextMetric(value), nil
	case bool:
		return NewBoolMetric(value), nil
	default:
		return MetricValue{}, fmt.Errorf("unsupported metric value type %T", v)
	}
}

// MarshalJSON renders the held variant as a bare JSON scalar.
func (m MetricValue) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case MetricKindInt:
		return json.Marshal(m.Int)
	case MetricKindText:
		return json.Marshal(m.Text)
	case MetricKindBool:
		return json.Marshal(m.Bool)
	default:
		return nil, fmt.Errorf("metric value has unknown kind %d", m.Kind)
	}
}

// UnmarshalJSON recovers the variant from a bare JSON scalar, picking
// integer, then boolean, then falling back to string - the same untagged
// resolution order serde uses for the original enum.
func (m *MetricValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)

	var asInt int64
	if err := json.Unmarshal(trimmed, &asInt); err == nil {
		*m = NewIntMetric(asInt)
		return nil
	}

	var asBool bool
	if err := json.Unmarshal(trimmed, &asBool); err == nil {
		*m = NewBoolMetric(asBool)
		return nil
	}

	var asText string
	if err := json.Unmarshal(trimmed, &asText); err == nil {
		*m = NewTextMetric(asText)
		return nil
	}

	return fmt.Errorf("metric value is neither int, bool nor string: %s", string(data))
}
