package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// NewInterruptCmd создаёт группу команд для управления интерраптами.
func NewInterruptCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interrupt",
		Short: "Send and inspect interrupts",
	}

	cmd.AddCommand(
		newInterruptSendCmd(clientFn, outputFn),
		newInterruptShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newInterruptSendCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var nodeID string
	var createdBy string

	cmd := &cobra.Command{
		Use:   "send EXECUTION_ID TYPE",
		Short: "Send an interrupt (ABORT, ABORT_ALL, PAUSE, PAUSE_ALL, RESUME, RETRY, EXPIRE, MARK_SUCCESS, MARK_FAILED)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			i, err := client.SendInterrupt(args[0], InterruptRequest{
				Type:          strings.ToUpper(args[1]),
				NodeRuntimeID: nodeID,
				CreatedBy:     createdBy,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Interrupt %s: %s", i.ID, i.Status))
			out.Print(interruptHeaders, [][]string{interruptRow(i)}, i)
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node", "", "Target node runtime ID (node-level interrupts)")
	cmd.Flags().StringVar(&createdBy, "by", "cli", "Interrupt author")

	return cmd
}

func newInterruptShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show interrupt status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			i, err := client.GetInterrupt(args[0])
			if err != nil {
				return err
			}

			out.Detail([]Field{
				{"ID", i.ID},
				{"Type", string(i.Type)},
				{"Execution", i.PlanExecutionID},
				{"Node", i.NodeRuntimeID},
				{"Status", string(i.Status)},
				{"Error", i.Error},
				{"Created by", i.CreatedBy},
				{"Created", formatTime(&i.CreatedAt)},
				{"Processed", formatTime(i.ProcessedAt)},
			}, i)
			return nil
		},
	}
}

var interruptHeaders = []string{"ID", "TYPE", "EXECUTION", "NODE", "STATUS", "ERROR"}

func interruptRow(i *domain.Interrupt) []string {
	node := i.NodeRuntimeID
	if node == "" {
		node = "-"
	}
	return []string{i.ID, string(i.Type), i.PlanExecutionID, node, string(i.Status), i.Error}
}

// NewCallbackCmd создаёт команду доставки ответа callback-шагу.
func NewCallbackCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var data []string

	cmd := &cobra.Command{
		Use:   "callback CORRELATION_ID",
		Short: "Deliver a response to a waiting callback step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			parsed, err := parseKeyValues(data)
			if err != nil {
				return err
			}
			if err := client.Callback(args[0], parsed); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Callback delivered: %s", args[0]))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&data, "data", nil, "Response data as KEY=VALUE (repeatable, VALUE may be JSON)")

	return cmd
}
