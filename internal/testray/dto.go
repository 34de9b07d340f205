package testray

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/headlessqa/triage/internal/types"
)

// Liferay object DTOs. Picklist fields come back as {key, name} objects and
// relationship columns carry r_<relation>_c_<column> names; everything here
// exists to keep that shape out of the rest of the codebase.

// picklist is a Liferay picklist value. Only the key matters to us.
type picklist struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// statusPayload builds the picklist object expected on writes.
func statusPayload(key string) map[string]string {
	return map[string]string{"key": key}
}

// flexInt64 tolerates relationship ids serialized as either numbers or
// strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexInt64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}

type buildDTO struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	GitHash      string    `json:"gitHash"`
	ImportStatus picklist  `json:"importStatus"`
	DateCreated  time.Time `json:"dateCreated"`
	DueDate      string    `json:"dueDate"`
	RoutineID    flexInt64 `json:"r_routineToBuilds_c_routineId"`
}

func (d buildDTO) toBuild() types.Build {
	b := types.Build{
		ID:           d.ID,
		Name:         d.Name,
		GitHash:      d.GitHash,
		ImportStatus: d.ImportStatus.Key,
		DateCreated:  d.DateCreated,
		RoutineID:    int64(d.RoutineID),
	}
	if d.DueDate != "" {
		if due, err := time.Parse(time.RFC3339, d.DueDate); err == nil {
			b.DueDate = &due
		}
	}
	return b
}

type taskDTO struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	DueStatus picklist  `json:"dueStatus"`
	BuildID   flexInt64 `json:"r_buildToTasks_c_buildId"`
}

func (d taskDTO) toTask(buildID int64) types.Task {
	id := int64(d.BuildID)
	if id == 0 {
		id = buildID
	}
	return types.Task{
		ID:      d.ID,
		Name:    d.Name,
		BuildID: id,
		Status:  types.TaskStatus(d.DueStatus.Key),
	}
}

type subtaskDTO struct {
	ID        int64    `json:"id"`
	DueStatus picklist `json:"dueStatus"`
	Issues    string   `json:"issues"`
}

func (d subtaskDTO) toSubtask(taskID int64) types.Subtask {
	return types.Subtask{
		ID:     d.ID,
		TaskID: taskID,
		Status: types.SubtaskStatus(d.DueStatus.Key),
		Issues: d.Issues,
	}
}

type caseResultDTO struct {
	ID            int64     `json:"id"`
	DueStatus     picklist  `json:"dueStatus"`
	Errors        string    `json:"errors"`
	Issues        string    `json:"issues"`
	ExecutionDate string    `json:"executionDate"`
	GitHash       string    `json:"gitHash"`
	Duration      int64     `json:"duration"`
	CaseID        flexInt64 `json:"r_caseToCaseResult_c_caseId"`
	ComponentID   flexInt64 `json:"r_componentToCaseResult_c_componentId"`
}

func (d caseResultDTO) toCaseResult() types.CaseResult {
	return types.CaseResult{
		ID:            d.ID,
		CaseID:        int64(d.CaseID),
		ComponentID:   int64(d.ComponentID),
		Status:        types.ResultStatus(d.DueStatus.Key),
		Errors:        d.Errors,
		Issues:        d.Issues,
		ExecutionDate: d.ExecutionDate,
		GitHash:       d.GitHash,
		Duration:      d.Duration,
	}
}

type historyDTO struct {
	ID            int64     `json:"id"`
	DueStatus     picklist  `json:"dueStatus"`
	Errors        string    `json:"errors"`
	Issues        string    `json:"issues"`
	ExecutionDate string    `json:"executionDate"`
	GitHash       string    `json:"gitHash"`
	BuildID       flexInt64 `json:"buildId"`
}

func (d historyDTO) toHistoryEntry(caseID int64) types.HistoryEntry {
	return types.HistoryEntry{
		ID:            d.ID,
		CaseID:        caseID,
		BuildID:       int64(d.BuildID),
		Status:        types.ResultStatus(d.DueStatus.Key),
		Error:         d.Errors,
		Issues:        d.Issues,
		ExecutionDate: d.ExecutionDate,
		GitHash:       d.GitHash,
	}
}

type caseDTO struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	CaseTypeID  flexInt64 `json:"r_caseTypeToCases_c_caseTypeId"`
	ComponentID flexInt64 `json:"r_componentToCases_c_componentId"`
}
