// Pipeliner CLI — инструмент командной строки для управления
// планами, выполнениями, интерраптами и задачами делегатов через HTTP API.
//
// Использование:
//
//	pipeliner [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	plan        Управление планами
//	exec        Управление выполнениями
//	interrupt   Отправка и статус интерраптов
//	callback    Ответ ожидающему callback-шагу
//	task        Задачи делегатов
//	perpetual   Постоянные задачи
//	constraint  Ресурсные ограничения
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Pipeliner/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "pipeliner",
		Short:         "Pipeliner CLI — plan execution engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("PIPELINER_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewPlanCmd(clientFn, outputFn),
		cli.NewExecCmd(clientFn, outputFn),
		cli.NewInterruptCmd(clientFn, outputFn),
		cli.NewCallbackCmd(clientFn, outputFn),
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewPerpetualCmd(clientFn, outputFn),
		cli.NewConstraintCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
