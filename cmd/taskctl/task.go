package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskd/internal/state"
	"github.com/fyrsmithlabs/taskd/internal/task"
	"github.com/fyrsmithlabs/taskd/internal/templates"
)

func newTaskCmds() []*cobra.Command {
	return []*cobra.Command{
		newCreateCmd(),
		{
			Use:   "drive <context-id>",
			Short: "Advance a task until it needs input or finishes",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return stateCall(cmd, http.MethodPost, taskPath(args[0], "drive"), nil)
			},
		},
		{
			Use:   "status <context-id>",
			Short: "Show the current state of a task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return stateCall(cmd, http.MethodGet, taskPath(args[0], ""), nil)
			},
		},
		{
			Use:   "history <context-id>",
			Short: "Print the history of a task",
			Args:  cobra.ExactArgs(1),
			RunE:  runHistory,
		},
		newRespondCmd(),
		newSkipCmd(),
		newCancelCmd(),
	}
}

func taskPath(contextID, action string) string {
	p := "/v1/tasks/" + url.PathEscape(contextID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func newCreateCmd() *cobra.Command {
	var (
		file      string
		tenant    string
		contextID string
		data      []string
		drive     bool
	)
	cmd := &cobra.Command{
		Use:   "create [template-id]",
		Short: "Create a task from a catalog template or a template file",
		Long: `Create a task from a template in the server catalog, or from a local
template file with --file.

Examples:
  taskctl create onboarding --data businessName=Acme --drive
  taskctl create --file templates/onboarding.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			switch {
			case file != "" && len(args) == 1:
				return fmt.Errorf("pass a template id or --file, not both")
			case file != "":
				tmpl, err := templates.ParseFile(file)
				if err != nil {
					return err
				}
				body["template"] = tmpl
			case len(args) == 1:
				body["template_id"] = args[0]
			default:
				return fmt.Errorf("a template id or --file is required")
			}
			initial, err := parseData(data)
			if err != nil {
				return err
			}
			if len(initial) > 0 {
				body["initial_data"] = initial
			}
			if tenant != "" {
				body["tenant_id"] = tenant
			}
			if contextID != "" {
				body["context_id"] = contextID
			}
			body["drive"] = drive
			return stateCall(cmd, http.MethodPost, "/v1/tasks", body)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "local template file")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&contextID, "id", "", "context id (generated when empty)")
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "initial data as key=value")
	cmd.Flags().BoolVar(&drive, "drive", false, "drive the task after creating it")
	return cmd
}

func newRespondCmd() *cobra.Command {
	var (
		data   []string
		user   string
		asJSON string
	)
	cmd := &cobra.Command{
		Use:   "respond <context-id> <request-id>",
		Short: "Answer a pending request",
		Long: `Answer a pending request with key=value pairs or a JSON object.

Examples:
  taskctl respond ctx-1 businessName -d businessName=Acme
  taskctl respond ctx-1 address --json '{"city":"Lyon","zip":"69001"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseData(data)
			if err != nil {
				return err
			}
			if asJSON != "" {
				if err := json.Unmarshal([]byte(asJSON), &values); err != nil {
					return fmt.Errorf("invalid --json: %w", err)
				}
			}
			if len(values) == 0 {
				return fmt.Errorf("no response data given")
			}
			return stateCall(cmd, http.MethodPost, taskPath(args[0], "responses"), map[string]any{
				"request_id": args[1],
				"data":       values,
				"user_id":    user,
			})
		},
	}
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "response data as key=value")
	cmd.Flags().StringVar(&asJSON, "json", "", "response data as a JSON object")
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "responding user id")
	return cmd
}

func newSkipCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "skip <context-id> <request-id>",
		Short: "Skip a pending request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stateCall(cmd, http.MethodPost, taskPath(args[0], "skips"), map[string]any{
				"request_id": args[1],
				"reason":     reason,
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is skipped")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <context-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stateCall(cmd, http.MethodPost, taskPath(args[0], "cancel"), map[string]any{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is cancelled")
	return cmd
}

// parseData turns key=value pairs into a map. Values that parse as JSON
// keep their type.
func parseData(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid data %q: want key=value", p)
		}
		var typed any
		if err := json.Unmarshal([]byte(v), &typed); err == nil {
			out[k] = typed
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// accepted is returned when a workflow runner took the request.
type accepted struct {
	ContextID  string `json:"context_id"`
	WorkflowID string `json:"workflow_id"`
}

// stateCall sends a request answered with a task state, or with an
// accepted notice when the server runs tasks as workflows.
func stateCall(cmd *cobra.Command, method, path string, body any) error {
	var raw json.RawMessage
	if err := call(method, path, body, &raw); err != nil {
		return err
	}
	var acc accepted
	if json.Unmarshal(raw, &acc) == nil && acc.WorkflowID != "" {
		cmd.Printf("Accepted: %s (workflow %s)\n", acc.ContextID, acc.WorkflowID)
		return nil
	}
	var st state.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	printState(cmd, st)
	return nil
}

func printState(cmd *cobra.Command, st state.State) {
	cmd.Printf("Task:         %s\n", st.ContextID)
	cmd.Printf("Template:     %s\n", st.TemplateID)
	cmd.Printf("Status:       %s\n", st.Status)
	cmd.Printf("Completeness: %d%%\n", st.Completeness)
	if len(st.CompletedPhases) > 0 {
		cmd.Printf("Phases done:  %s\n", strings.Join(st.CompletedPhases, ", "))
	}
	for _, p := range st.Pending {
		cmd.Printf("Pending:      %s [%s] %s\n", p.RequestID, p.Priority, p.Title)
	}
	if st.Failure != nil {
		cmd.Printf("Failure:      %s (%s): %s\n", st.Failure.Operation, st.Failure.Kind, st.Failure.Reasoning)
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	var tc task.TaskContext
	if err := call(http.MethodGet, taskPath(args[0], "history"), nil, &tc); err != nil {
		return err
	}
	for _, e := range tc.History {
		cmd.Printf("%4d  %s  %-22s %-8s %s\n",
			e.Sequence, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Operation, e.Actor.Type, e.Reasoning)
	}
	return nil
}
