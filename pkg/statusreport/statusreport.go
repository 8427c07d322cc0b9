// Package statusreport summarizes a single node's repair journal for the
// status subcommand: a human-readable snapshot and a telegraf exec-plugin
// line, both read directly from the journal file without touching a live
// Journal.
package statusreport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/rangerepair/pkg/journal"
)

// Status is one of the states a node's repair run can be summarized as.
type Status string

const (
	StatusFinished           Status = "finished"
	StatusFinishedWithErrors Status = "finished_with_errors"
	StatusRepairing          Status = "repairing"
	StatusHung               Status = "hung"
)

// HangTimeout is how long a journal can go without an update before its
// run is reported as hung rather than merely repairing.
const HangTimeout = 3 * time.Hour

const timeLayout = "2006-01-02T15:04:05.000000"

// NodeStatus is the computed summary of one journal file.
type NodeStatus struct {
	Status             Status
	NodePosition       string
	PercentageComplete int
	CurrentStepSeconds *float64
	TotalRepairSeconds *float64
	NumFailed          int
	FinishedAt         *string
}

// Summarize computes a NodeStatus from a loaded journal document, using
// now as the reference instant for hang detection and in-progress timing.
func Summarize(doc journal.StatusDoc, now time.Time) (NodeStatus, error) {
	numFailed := len(doc.FailedRepairs)

	if doc.Finished != nil {
		started, err := time.Parse(timeLayout, derefOr(doc.Started, ""))
		if err != nil {
			return NodeStatus{}, fmt.Errorf("statusreport: parsing started: %w", err)
		}
		finished, err := time.Parse(timeLayout, *doc.Finished)
		if err != nil {
			return NodeStatus{}, fmt.Errorf("statusreport: parsing finished: %w", err)
		}
		total := finished.Sub(started).Seconds()

		status := StatusFinished
		if numFailed > 0 {
			status = StatusFinishedWithErrors
		}
		return NodeStatus{
			Status:             status,
			NodePosition:       "",
			PercentageComplete: 100,
			TotalRepairSeconds: &total,
			NumFailed:          numFailed,
			FinishedAt:         doc.Finished,
		}, nil
	}

	var nodePosition string
	for _, rec := range doc.CurrentRepairs {
		nodePosition = rec.NodePosition
		break
	}

	updated, err := time.Parse(timeLayout, derefOr(doc.Updated, ""))
	if err != nil {
		return NodeStatus{}, fmt.Errorf("statusreport: parsing updated: %w", err)
	}
	stepSeconds := now.Sub(updated).Seconds()

	status := StatusRepairing
	if now.Sub(updated) > HangTimeout {
		status = StatusHung
	}

	current, total, err := parseNodePosition(nodePosition)
	percentage := 0
	if err == nil && total > 0 {
		percentage = int(float64(current-numFailed) / float64(total) * 100)
	}

	return NodeStatus{
		Status:             status,
		NodePosition:       nodePosition,
		PercentageComplete: percentage,
		CurrentStepSeconds: &stepSeconds,
		NumFailed:          numFailed,
	}, nil
}

func parseNodePosition(pos string) (current, total int, err error) {
	parts := strings.SplitN(pos, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("statusreport: malformed node position %q", pos)
	}
	current, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	total, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return current, total, nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// TelegrafLine renders doc's bucket sizes as a telegraf exec-plugin line,
// matching the original telegraf_exec.py measurement and field set exactly.
func TelegrafLine(doc journal.StatusDoc) string {
	return fmt.Sprintf(
		"cassandra_repair_progress pending_repairs=%d,current_repairs=%d,finished_repairs=%d,failed_repairs=%d",
		len(doc.PendingRepairs), len(doc.CurrentRepairs), len(doc.FinishedRepairs), len(doc.FailedRepairs),
	)
}
