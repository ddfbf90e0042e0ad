package model

import (
	"fmt"
	"time"

	"github.com/devrev/ringkv/internal/ring"
)

// TransferMode describes what a plan does with its range
type TransferMode string

const (
	// TransferModeMove streams the range to the receiver, then the sender drops Trim
	TransferModeMove TransferMode = "move"
	// TransferModeCopy streams the range and leaves the sender untouched
	TransferModeCopy TransferMode = "copy"
	// TransferModeDelete drops the range from the sender; there is no receiver
	TransferModeDelete TransferMode = "delete"
)

// TransferPlan is one unit of data movement computed by the planner
type TransferPlan struct {
	Mode     TransferMode    `json:"mode"`
	Sender   ring.Node       `json:"sender"`
	Receiver *ring.Node      `json:"receiver,omitempty"`
	Range    ring.HashRange  `json:"range"`
	Trim     *ring.HashRange `json:"trim,omitempty"`
}

func (p TransferPlan) String() string {
	switch p.Mode {
	case TransferModeDelete:
		return fmt.Sprintf("delete %s on %s", p.Range, p.Sender.Name)
	case TransferModeMove:
		trim := "nothing"
		if p.Trim != nil {
			trim = p.Trim.String()
		}
		return fmt.Sprintf("move %s %s->%s, drop %s", p.Range, p.Sender.Name, p.Receiver.Name, trim)
	default:
		return fmt.Sprintf("copy %s %s->%s", p.Range, p.Sender.Name, p.Receiver.Name)
	}
}

// TransferState is a step of the transfer issuer state machine
type TransferState string

const (
	TransferStateInit               TransferState = "INIT"
	TransferStateAwaitReceiverArmed TransferState = "AWAIT_RECEIVER_ARMED"
	TransferStateAwaitSenderPush    TransferState = "AWAIT_SENDER_PUSH"
	TransferStateMonitorSender      TransferState = "MONITOR_SENDER"
	TransferStateMonitorReceiver    TransferState = "MONITOR_RECEIVER"
	TransferStateDone               TransferState = "DONE"
	TransferStateFailed             TransferState = "FAILED"
)

// TransferResult is the outcome of executing one plan
type TransferResult struct {
	Plan     TransferPlan    `json:"plan"`
	State    TransferState   `json:"state"`
	States   []TransferState `json:"states"`
	Err      error           `json:"-"`
	Duration time.Duration   `json:"duration"`
}

// Succeeded reports whether the plan completed
func (r TransferResult) Succeeded() bool {
	return r.State == TransferStateDone && r.Err == nil
}

// OperationResult is returned by every administrative operation. Partial
// failures are reported here instead of as errors.
type OperationResult struct {
	Success bool              `json:"success"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// NewOperationResult creates a successful result
func NewOperationResult() *OperationResult {
	return &OperationResult{Success: true, Errors: make(map[string]string)}
}

// Fail records a failure attributed to subject
func (r *OperationResult) Fail(subject string, err error) {
	r.Success = false
	if err != nil {
		r.Errors[subject] = err.Error()
	}
}

// Merge folds other into r
func (r *OperationResult) Merge(other *OperationResult) {
	if other == nil {
		return
	}
	r.Success = r.Success && other.Success
	for k, v := range other.Errors {
		r.Errors[k] = v
	}
}
