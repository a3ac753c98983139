package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/autopatch/internal/model"
)

var (
	runRepo        string
	runProvider    string
	runModel       string
	runBase        string
	runKeepAlive   bool
	runResume      string
	runMaxDuration time.Duration
	runDetach      bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a coding task in a sandbox",
	Long: `Create a task that runs a coding agent against a repository in a sandbox.
The agent's changes are pushed to a new branch.

Example:
  autopatch run "add rate limiting to /api/users" --repo myorg/myapp`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs [task-id]",
	Short: "Show a task's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var stopCmd = &cobra.Command{
	Use:   "stop [task-id]",
	Short: "Stop a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	runCmd.Flags().StringVarP(&runRepo, "repo", "r", "", "GitHub repository (owner/repo)")
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "LLM provider (anthropic, openai)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model passed to the agent")
	runCmd.Flags().StringVar(&runBase, "base", "", "base branch (default: the repository default)")
	runCmd.Flags().BoolVar(&runKeepAlive, "keep-alive", false, "keep the sandbox for follow-up tasks")
	runCmd.Flags().StringVar(&runResume, "resume", "", "continue in the sandbox of an earlier task")
	runCmd.Flags().DurationVar(&runMaxDuration, "max-duration", 0, "wall-clock budget of the task")
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "print the task id and return")
	runCmd.MarkFlagRequired("repo")

	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream until the task finishes")

	rootCmd.AddCommand(runCmd, listCmd, statusCmd, logsCmd, stopCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"repo":   runRepo,
		"prompt": args[0],
	}
	if runProvider != "" {
		req["provider"] = runProvider
	}
	if runModel != "" {
		req["model"] = runModel
	}
	if runBase != "" {
		req["base_branch"] = runBase
	}
	if runKeepAlive {
		req["keep_alive"] = true
	}
	if runResume != "" {
		req["resume_task_id"] = runResume
	}
	if runMaxDuration > 0 {
		req["max_duration"] = runMaxDuration.String()
	}

	client := newClient()
	var t model.Task
	if err := client.do(cmd.Context(), http.MethodPost, "/api/tasks", req, &t); err != nil {
		return err
	}
	fmt.Printf("Task %s started\n", t.ID)
	if runDetach {
		return nil
	}
	fmt.Printf("Streaming logs...\n\n")
	return client.streamLogs(cmd.Context(), t.ID, os.Stdout)
}

func runList(cmd *cobra.Command, args []string) error {
	var tasks []model.Task
	if err := newClient().do(cmd.Context(), http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPO\tSTATUS\tPROMPT\tPR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.RepoURL, taskStatusIcon(t.Status), model.Truncate(t.Prompt, 50), orDash(t.PRURL))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	var t model.Task
	if err := newClient().do(cmd.Context(), http.MethodGet, "/api/tasks/"+args[0], nil, &t); err != nil {
		return err
	}

	fmt.Printf("Task:     %s\n", t.ID)
	fmt.Printf("Repo:     %s\n", t.RepoURL)
	fmt.Printf("Status:   %s\n", taskStatusIcon(t.Status))
	fmt.Printf("Mode:     %s\n", t.Mode)
	fmt.Printf("Provider: %s\n", t.Provider)
	if t.Title != "" {
		fmt.Printf("Title:    %s\n", t.Title)
	}
	if t.BranchName != "" {
		fmt.Printf("Branch:   %s\n", t.BranchName)
	}
	if t.PRURL != "" {
		fmt.Printf("PR:       %s\n", t.PRURL)
	}
	if t.Error != "" {
		fmt.Printf("Error:    %s\n", t.Error)
	}
	fmt.Printf("Prompt:   %s\n", t.Prompt)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	client := newClient()
	if logsFollow {
		return client.streamLogs(cmd.Context(), args[0], os.Stdout)
	}
	var msgs []model.Message
	if err := client.do(cmd.Context(), http.MethodGet, "/api/tasks/"+args[0]+"/messages", nil, &msgs); err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	var t model.Task
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/tasks/"+args[0]+"/stop", nil, &t); err != nil {
		return err
	}
	fmt.Printf("Task %s %s\n", t.ID, t.Status)
	return nil
}

// streamLogs prints a task's log stream until the server reports it finished.
func (c *apiClient) streamLogs(ctx context.Context, taskID string, out io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tasks/"+taskID+"/logs", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to log stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if event == "done" {
				var status string
				json.Unmarshal([]byte(data), &status)
				fmt.Fprintf(out, "\n\033[32m✓ Finished:\033[0m %s\n", status)
				return nil
			}
			var e model.LogEntry
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				continue
			}
			printLogEntry(out, &e)
		case line == "":
			event = ""
		}
	}
	return scanner.Err()
}

func printLogEntry(out io.Writer, e *model.LogEntry) {
	switch e.Level {
	case model.LogError:
		fmt.Fprintf(out, "\033[31m[error]\033[0m %s\n", e.Message)
	case model.LogWarning:
		fmt.Fprintf(out, "\033[33m[warn]\033[0m %s\n", e.Message)
	case model.LogSuccess:
		fmt.Fprintf(out, "\033[32m%s\033[0m\n", e.Message)
	default:
		fmt.Fprintln(out, e.Message)
	}
}

func taskStatusIcon(s model.TaskStatus) string {
	switch s {
	case model.TaskPending:
		return "⏳ pending"
	case model.TaskProcessing:
		return "🔄 processing"
	case model.TaskCompleted:
		return "✅ completed"
	case model.TaskError:
		return "❌ error"
	case model.TaskStopped:
		return "⏹ stopped"
	default:
		return string(s)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
