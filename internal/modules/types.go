package modules

import (
	"encoding/json"
	"fmt"
	"time"
)

// Criticality grades monitor results and command outcomes.
// Severity ordering for aggregation: NoData < Normal < Warning < Error < Critical.
// Ignore is excluded from aggregation entirely.
type Criticality int

const (
	NoData Criticality = iota
	Normal
	Warning
	Error
	Critical
	Ignore
)

var criticalityNames = map[Criticality]string{
	NoData:   "no-data",
	Normal:   "normal",
	Warning:  "warning",
	Error:    "error",
	Critical: "critical",
	Ignore:   "ignore",
}

// String returns the canonical lowercase name of the criticality.
func (c Criticality) String() string {
	if name, ok := criticalityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("criticality(%d)", int(c))
}

// Aggregates reports whether this criticality participates in host aggregation.
func (c Criticality) Aggregates() bool {
	return c != Ignore
}

// MarshalJSON encodes the criticality by name so persisted cache entries
// stay readable and stable across releases.
func (c Criticality) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a criticality name.
func (c *Criticality) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for value, candidate := range criticalityNames {
		if candidate == name {
			*c = value
			return nil
		}
	}
	return fmt.Errorf("unknown criticality %q", name)
}

// MaxCriticality returns the more severe of two criticalities.
// Ignore never wins: it is transparent to aggregation.
func MaxCriticality(a, b Criticality) Criticality {
	if !a.Aggregates() {
		return b
	}
	if !b.Aggregates() {
		return a
	}
	if b > a {
		return b
	}
	return a
}

// DataPoint is one monitor result. Multivalue monitors carry a tree of child
// data points, each with its own label, criticality, and drill-down params.
type DataPoint struct {
	Label         string      `json:"label,omitempty"`
	Value         string      `json:"value"`
	Unit          string      `json:"unit,omitempty"`
	Description   string      `json:"description,omitempty"`
	Criticality   Criticality `json:"criticality"`
	CommandParams []string    `json:"command_params,omitempty"`
	Children      []DataPoint `json:"children,omitempty"`
	InvocationID  uint64      `json:"invocation_id,omitempty"`
	Time          time.Time   `json:"time"`
}

// NewDataPoint returns a Normal data point with the given value.
func NewDataPoint(value string) DataPoint {
	return DataPoint{
		Value:       value,
		Criticality: Normal,
		Time:        time.Now().UTC(),
	}
}

// LabeledDataPoint returns a child data point with a label and criticality.
func LabeledDataPoint(label, value string, criticality Criticality) DataPoint {
	return DataPoint{
		Label:       label,
		Value:       value,
		Criticality: criticality,
		Time:        time.Now().UTC(),
	}
}

// NoDataPoint returns the placeholder used before any result has arrived.
func NoDataPoint() DataPoint {
	return DataPoint{
		Criticality: NoData,
		Time:        time.Now().UTC(),
	}
}

// CommandResult is the immutable outcome of one invocation.
type CommandResult struct {
	InvocationID       uint64      `json:"invocation_id"`
	HostID             string      `json:"host_id"`
	ModuleID           string      `json:"module_id"`
	Message            string      `json:"message"`
	Error              string      `json:"error,omitempty"`
	Criticality        Criticality `json:"criticality"`
	ShowInNotification bool        `json:"show_in_notification,omitempty"`
	OpensDetailsDialog bool        `json:"opens_details_dialog,omitempty"`
	Time               time.Time   `json:"time"`
}

// NewCommandResult returns a successful result with the given message.
func NewCommandResult(message string) CommandResult {
	return CommandResult{
		Message:     message,
		Criticality: Normal,
		Time:        time.Now().UTC(),
	}
}

// NewErrorResult returns a failed result carrying error text.
func NewErrorResult(errText string, criticality Criticality) CommandResult {
	return CommandResult{
		Error:              errText,
		Criticality:        criticality,
		ShowInNotification: true,
		Time:               time.Now().UTC(),
	}
}

// Failed reports whether the result carries error text.
func (r CommandResult) Failed() bool {
	return r.Error != ""
}
