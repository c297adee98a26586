package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// NewTaskCmd создаёт группу команд для задач делегатов.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect delegate tasks",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show ID",
			Short: "Show delegate task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				t, err := clientFn().GetTask(args[0])
				if err != nil {
					return err
				}
				outputFn().Detail([]Field{
					{"ID", t.ID},
					{"Type", t.Type},
					{"Format", t.Format},
					{"Status", string(t.Status)},
					{"Delegate", t.DelegateID},
					{"Correlation", t.CorrelationID},
					{"Selectors", strings.Join(t.Selectors, ",")},
					{"Broadcast round", strconv.Itoa(t.BroadcastRound)},
					{"Expiry", formatTime(&t.Expiry)},
					{"Result ref", t.ResultRef},
					{"Error", t.Error},
				}, t)
				return nil
			},
		},
		&cobra.Command{
			Use:   "pending DELEGATE_ID",
			Short: "List tasks a delegate may acquire",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tasks, err := clientFn().DelegateTasks(args[0])
				if err != nil {
					return err
				}
				rows := make([][]string, len(tasks))
				for i, t := range tasks {
					rows[i] = taskRow(t)
				}
				outputFn().Print(taskHeaders, rows, tasks)
				return nil
			},
		},
	)

	return cmd
}

var taskHeaders = []string{"ID", "TYPE", "STATUS", "DELEGATE", "ROUND", "EXPIRY", "ERROR"}

func taskRow(t *domain.DelegateTask) []string {
	return []string{
		t.ID, t.Type, string(t.Status), t.DelegateID,
		strconv.Itoa(t.BroadcastRound), formatTime(&t.Expiry), t.Error,
	}
}

// NewPerpetualCmd создаёт группу команд для постоянных задач.
func NewPerpetualCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perpetual",
		Short: "Manage perpetual delegate tasks",
	}

	cmd.AddCommand(
		newPerpetualCreateCmd(clientFn, outputFn),
		newPerpetualDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newPerpetualCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req PerpetualTaskRequest
	var params []string
	var selectors string

	cmd := &cobra.Command{
		Use:   "create TYPE",
		Short: "Create a perpetual task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			parsed, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			req.Type = args[0]
			req.Parameters = parsed
			if selectors != "" {
				req.Selectors = strings.Split(selectors, ",")
			}

			pt, err := client.CreatePerpetualTask(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Perpetual task created: %s", pt.ID))
			out.Print(
				[]string{"ID", "TYPE", "STATE", "DELEGATE", "INTERVAL"},
				[][]string{{pt.ID, pt.Type, string(pt.State), pt.DelegateID, strconv.Itoa(pt.IntervalSec) + "s"}},
				pt,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "Task ID (generated if empty)")
	cmd.Flags().StringVar(&req.AccountID, "account", "", "Account ID")
	cmd.Flags().StringVar(&req.Format, "format", "", "Parameter encoding: json or cbor")
	cmd.Flags().IntVar(&req.IntervalSec, "interval", 0, "Execution interval in seconds")
	cmd.Flags().StringSliceVar(&params, "param", nil, "Parameters as KEY=VALUE (repeatable, VALUE may be JSON)")
	cmd.Flags().StringVar(&selectors, "selectors", "", "Comma-separated delegate selectors")

	return cmd
}

func newPerpetualDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a perpetual task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeletePerpetualTask(args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Perpetual task deleted: %s", args[0]))
			return nil
		},
	}
}

// NewConstraintCmd создаёт команду просмотра ресурсных ограничений.
func NewConstraintCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "constraint",
		Short: "Inspect resource constraints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show UNIT",
		Short: "Show active and blocked consumers of a resource unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := clientFn().GetConstraint(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "STATE", "PERMITS", "CAPACITY", "SCOPE", "RELEASE_ENTITY", "ORDER"}
			var rows [][]string
			for _, group := range [][]*domain.ConstraintInstance{state.Active, state.Blocked} {
				for _, ci := range group {
					rows = append(rows, []string{
						ci.ID, string(ci.State), strconv.Itoa(ci.Permits), strconv.Itoa(ci.Capacity),
						string(ci.HoldingScope), ci.ReleaseEntityID, strconv.FormatInt(ci.Order, 10),
					})
				}
			}

			outputFn().Print(headers, rows, state)
			return nil
		},
	})

	return cmd
}
