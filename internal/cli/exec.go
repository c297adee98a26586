package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// NewExecCmd создаёт группу команд для управления выполнениями планов.
func NewExecCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "exec",
		Aliases: []string{"execution"},
		Short:   "Manage plan executions",
	}

	cmd.AddCommand(
		newExecListCmd(clientFn, outputFn),
		newExecStartCmd(clientFn, outputFn),
		newExecShowCmd(clientFn, outputFn),
		newExecNodesCmd(clientFn, outputFn),
	)

	return cmd
}

func newExecListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent plan executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			pes, err := client.ListExecutions(limit)
			if err != nil {
				return err
			}

			rows := make([][]string, len(pes))
			for i := range pes {
				rows[i] = executionRow(&pes[i])
			}
			out.Print(executionHeaders, rows, pes)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newExecStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var inputs []string
	var accountID string

	cmd := &cobra.Command{
		Use:   "start PLAN_ID",
		Short: "Start a plan execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			parsed, err := parseKeyValues(inputs)
			if err != nil {
				return err
			}

			pe, err := client.StartExecution(args[0], StartRequest{Inputs: parsed, AccountID: accountID})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Execution started: %s", pe.ID))
			out.Print(executionHeaders, [][]string{executionRow(pe)}, pe)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable, VALUE may be JSON)")
	cmd.Flags().StringVar(&accountID, "account", "", "Account ID")

	return cmd
}

func newExecShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show plan execution details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			exec, err := client.GetExecution(args[0], false)
			if err != nil {
				return err
			}

			pe := &exec.PlanExecution
			out.Detail([]Field{
				{"ID", pe.ID},
				{"Plan", pe.PlanID},
				{"Account", pe.AccountID},
				{"Status", string(pe.Status)},
				{"Started", formatTime(&pe.StartTs)},
				{"Ended", formatTime(pe.EndTs)},
				{"Inputs", compactJSON(pe.Inputs)},
			}, exec)
			return nil
		},
	}
}

func newExecNodesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes ID",
		Short: "List node executions of a plan execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			nodes, err := client.ListNodes(args[0])
			if err != nil {
				return err
			}

			headers := []string{"RUNTIME_ID", "IDENTIFIER", "STEP_TYPE", "STATUS", "MODE", "RETRY", "FAILURE"}
			rows := make([][]string, len(nodes))
			for i, n := range nodes {
				failure := ""
				if n.FailureInfo != nil {
					failure = n.FailureInfo.Message
				}
				rows[i] = []string{
					n.RuntimeID, n.Identifier, n.StepType, string(n.Status),
					string(n.Mode), strconv.Itoa(n.RetryIndex), failure,
				}
			}

			out.Print(headers, rows, nodes)
			return nil
		},
	}
}

var executionHeaders = []string{"ID", "PLAN_ID", "STATUS", "STARTED", "ENDED"}

func executionRow(pe *domain.PlanExecution) []string {
	return []string{pe.ID, pe.PlanID, string(pe.Status), formatTime(&pe.StartTs), formatTime(pe.EndTs)}
}

// --- helpers ---

// parseKeyValues разбирает пары KEY=VALUE. Значение, похожее на JSON,
// декодируется; иначе остаётся строкой.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	result := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}

		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			result[key] = decoded
		} else {
			result[key] = value
		}
	}
	return result, nil
}

func compactJSON(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func sortedKeys(nodes map[string]*domain.PlanNode) []string {
	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nextOf(n *domain.PlanNode) string {
	parts := make([]string, 0, len(n.Edges)+len(n.Children))
	for _, e := range n.Edges {
		parts = append(parts, fmt.Sprintf("%s:%s", e.Kind, e.Target))
	}
	for _, c := range n.Children {
		parts = append(parts, "child:"+c.NodeID)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}
