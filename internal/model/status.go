package model

import (
	"fmt"
	"strings"
)

type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("task_status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is expected.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

type SubtaskStatus int

const (
	SubtaskPending SubtaskStatus = iota
	SubtaskRunning
	SubtaskSuccess
	SubtaskFailed
)

func (s SubtaskStatus) String() string {
	switch s {
	case SubtaskPending:
		return "pending"
	case SubtaskRunning:
		return "running"
	case SubtaskSuccess:
		return "success"
	case SubtaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("subtask_status(%d)", int(s))
	}
}

func (s SubtaskStatus) Terminal() bool { return s == SubtaskSuccess || s == SubtaskFailed }

// UsageStatus is the outcome recorded on a proxy usage log row.
type UsageStatus int

const (
	UsageInUse UsageStatus = iota
	UsageSuccess
	UsageFailed
)

// TaskStats counts a task's subtasks by status.
type TaskStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// AggregateStatus derives a task status from its subtask counts.
//
// All terminal with no failures is Completed; all terminal with at least one
// failure is Failed. Anything started but not finished is Running.
func AggregateStatus(s TaskStats) TaskStatus {
	if s.Total == 0 {
		return TaskPending
	}
	if s.Pending == 0 && s.Running == 0 {
		if s.Failed == 0 {
			return TaskCompleted
		}
		return TaskFailed
	}
	if s.Running > 0 || s.Success > 0 || s.Failed > 0 {
		return TaskRunning
	}
	return TaskPending
}

type DistributionMode string

const (
	ModeReplicate  DistributionMode = "replicate"
	ModeRoundRobin DistributionMode = "round_robin"
	ModeOneToOne   DistributionMode = "one_to_one"
)

// ParseDistributionMode accepts the three known modes. Empty means replicate.
func ParseDistributionMode(raw string) (DistributionMode, error) {
	switch m := DistributionMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ModeReplicate, nil
	case ModeReplicate, ModeRoundRobin, ModeOneToOne:
		return m, nil
	default:
		return "", Validationf("unknown distribution mode %q", raw)
	}
}
