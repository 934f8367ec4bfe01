package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/joilabs/joi-gateway/internal/store"
)

// TasksListTool lists the scheduled jobs for the calling agent.
type TasksListTool struct {
	cron store.CronStore
}

func NewTasksListTool(cron store.CronStore) *TasksListTool {
	return &TasksListTool{cron: cron}
}

func (t *TasksListTool) Name() string { return "tasks_list" }

func (t *TasksListTool) Description() string {
	return "List scheduled tasks with their schedule and last run status."
}

func (t *TasksListTool) InputSchema() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"all_agents": map[string]interface{}{"type": "boolean"},
	})
}

func (t *TasksListTool) Execute(ctx context.Context, input map[string]interface{}, tc *Context) *Result {
	jobs, err := t.cron.List(ctx)
	if err != nil {
		return ErrorResult("tasks list failed: " + err.Error()).WithError(err)
	}

	allAgents, _ := input["all_agents"].(bool)
	var sb strings.Builder
	count := 0
	for _, job := range jobs {
		if !allAgents && job.AgentID != tc.AgentID {
			continue
		}
		count++
		fmt.Fprintf(&sb, "- %s (%s", job.Name, describeSchedule(&job))
		if !job.Enabled {
			sb.WriteString(", disabled")
		}
		if job.LastStatus != "" {
			fmt.Fprintf(&sb, ", last run %s", job.LastStatus)
		}
		if job.NextRunAt != nil {
			fmt.Fprintf(&sb, ", next %s", job.NextRunAt.Format("2006-01-02 15:04"))
		}
		sb.WriteString(")\n")
	}
	if count == 0 {
		return NewResult("No scheduled tasks.")
	}
	return NewResult(sb.String())
}

func describeSchedule(job *store.CronJob) string {
	switch job.ScheduleKind {
	case store.ScheduleAt:
		if job.ScheduleAt != nil {
			return "at " + job.ScheduleAt.Format("2006-01-02 15:04")
		}
		return "at"
	case store.ScheduleEvery:
		return fmt.Sprintf("every %dms", job.EveryMS)
	case store.ScheduleCron:
		return "cron " + job.CronExpr
	}
	return job.ScheduleKind
}
