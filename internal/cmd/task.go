package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/pilot/internal/agentloop"
	"github.com/steveyegge/pilot/internal/collaborator"
	"github.com/steveyegge/pilot/internal/constants"
	"github.com/steveyegge/pilot/internal/cost"
	"github.com/steveyegge/pilot/internal/scheduler"
	"github.com/steveyegge/pilot/internal/style"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: GroupAgents,
	Short:   "Manage the task backlog",
}

var (
	taskAddDescription string
	taskAddArea        string
	taskAddLabels      []string
	taskListJSON       bool
)

var taskAddCmd = &cobra.Command{
	Use:   "add <task-id> <title>",
	Short: "Add a ready-to-claim task to the backlog",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backlog tasks",
	RunE:  runTaskList,
}

var taskDecomposeCmd = &cobra.Command{
	Use:   "decompose <task-id>",
	Short: "Split a task into subtasks if it's large enough to warrant it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDecompose,
}

var taskScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Score every ready backlog task against live agents and assign the best matches",
	Long: `Runs spec §4.9's schedule(tasks) over every ready, unclaimed backlog
task and every live agent: scores each eligible (task, agent) pair and
greedily assigns the highest-scoring pairs first. Each assignment claims
the task for its agent and marks it in-progress; tasks that scheduling
couldn't place (no eligible agent, or agents at capacity) are left ready.`,
	RunE: runTaskSchedule,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskDecomposeCmd, taskScheduleCmd)

	taskAddCmd.Flags().StringVar(&taskAddDescription, "description", "", "task description")
	taskAddCmd.Flags().StringVar(&taskAddArea, "area", "", "role/area this task is restricted to (empty: any role)")
	taskAddCmd.Flags().StringSliceVar(&taskAddLabels, "label", nil, "labels (repeatable), consulted by task decompose's domain classifier")

	taskListCmd.Flags().BoolVar(&taskListJSON, "json", false, "emit JSON instead of a table")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	root, err := townRoot()
	if err != nil {
		return err
	}
	store := collaborator.NewTaskStore(root)
	task := agentloop.Task{ID: args[0], Title: args[1], Description: taskAddDescription, Area: taskAddArea}
	if err := store.Add(task, taskAddLabels); err != nil {
		return err
	}
	fmt.Printf("%s Added task %s\n", style.Bold.Render("✓"), task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	root, err := townRoot()
	if err != nil {
		return err
	}
	store := collaborator.NewTaskStore(root)
	tasks, err := store.List()
	if err != nil {
		return err
	}

	if taskListJSON {
		return json.NewEncoder(os.Stdout).Encode(tasks)
	}

	t := style.NewTable(
		style.Column{Name: "ID", Width: 16},
		style.Column{Name: "TITLE", Width: 30},
		style.Column{Name: "AREA", Width: 10},
		style.Column{Name: "READY", Width: 6},
		style.Column{Name: "DONE", Width: 6},
	)
	for _, st := range tasks {
		t.AddRow(st.ID, st.Title, st.Area, boolCell(st.Ready), boolCell(st.Done))
	}
	fmt.Print(t.Render())
	return nil
}

func boolCell(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runTaskSchedule(cmd *cobra.Command, args []string) error {
	cs, err := newCollaborators()
	if err != nil {
		return err
	}
	store := collaborator.NewTaskStore(cs.root)
	backlog, err := store.List()
	if err != nil {
		return err
	}

	var tasks []scheduler.Task
	for _, st := range backlog {
		if !st.Ready || st.InProgress || st.Done {
			continue
		}
		tasks = append(tasks, scheduler.Task{
			ID: st.ID, RequiredCapabilities: st.Labels, Area: st.Area, CreatedAt: st.CreatedAt,
		})
	}
	if len(tasks) == 0 {
		fmt.Println("no ready tasks to schedule")
		return nil
	}

	costs := cost.New(cs.root, cs.policy)
	sched := scheduler.New(cs.root, cs.policy, cs.sessions, cs.claims, cs.areas, costs)
	result, err := sched.Schedule(tasks)
	if err != nil {
		return err
	}

	for _, a := range result.Assignments {
		if _, err := cs.claims.Claim(a.SessionID, a.TaskID, constants.DefaultLeaseDuration); err != nil {
			fmt.Fprintf(os.Stderr, "assigning %s to %s: %v\n", a.TaskID, a.SessionID, err)
			continue
		}
		if err := store.MarkInProgress(a.TaskID); err != nil {
			fmt.Fprintf(os.Stderr, "marking %s in-progress: %v\n", a.TaskID, err)
			continue
		}
		fmt.Printf("%s %s -> %s (score %.3f)\n", style.Bold.Render("✓"), a.TaskID, a.SessionID, a.Score)
	}
	for _, id := range result.Unassigned {
		fmt.Printf("  %s unassigned\n", id)
	}
	return nil
}

func runTaskDecompose(cmd *cobra.Command, args []string) error {
	root, err := townRoot()
	if err != nil {
		return err
	}
	store := collaborator.NewTaskStore(root)
	result, err := store.Decompose(args[0])
	if err != nil {
		return err
	}
	if !result.Decomposed {
		fmt.Printf("%s not decomposed: %s\n", args[0], result.Reason)
		return nil
	}
	fmt.Printf("%s Decomposed %s into %d subtask(s) (domain=%s)\n", style.Bold.Render("✓"), args[0], len(result.Subtasks), result.Domain)
	return nil
}
