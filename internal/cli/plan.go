package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/Pipeliner/internal/engine"
)

// NewPlanCmd создаёт группу команд для управления планами.
func NewPlanCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans",
	}

	cmd.AddCommand(
		newPlanListCmd(clientFn, outputFn),
		newPlanRegisterCmd(clientFn, outputFn),
		newPlanShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newPlanListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			plans, err := client.ListPlans()
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "START", "NODES", "CREATED"}
			rows := make([][]string, len(plans))
			for i, p := range plans {
				rows[i] = []string{p.ID, p.Name, p.StartingNodeID, strconv.Itoa(p.Nodes), p.CreatedAt}
			}

			out.Print(headers, rows, plans)
			return nil
		},
	}
}

func newPlanRegisterCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "register FILE",
		Short: "Register a compiled plan from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			plan, err := engine.LoadPlan(args[0])
			if err != nil {
				return err
			}
			// структурные ошибки ловим до запроса
			if err := engine.Validate(plan); err != nil {
				return fmt.Errorf("invalid plan: %w", err)
			}

			summary, err := client.RegisterPlan(plan)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Plan registered: %s", summary.ID))
			out.Print(
				[]string{"ID", "NAME", "START", "NODES"},
				[][]string{{summary.ID, summary.Name, summary.StartingNodeID, strconv.Itoa(summary.Nodes)}},
				summary,
			)
			return nil
		},
	}
}

func newPlanShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show plan nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			plan, err := client.GetPlan(args[0])
			if err != nil {
				return err
			}

			headers := []string{"NODE", "IDENTIFIER", "STEP_TYPE", "GROUP", "NEXT"}
			var rows [][]string
			for _, id := range sortedKeys(plan.Nodes) {
				n := plan.Nodes[id]
				rows = append(rows, []string{n.ID, n.Identifier, n.StepType, string(n.Group), nextOf(n)})
			}

			out.Print(headers, rows, plan)
			return nil
		},
	}
}
