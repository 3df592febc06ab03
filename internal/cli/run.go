package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runStream bool

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run a single agent query",
	Long: `Run executes one agent query and prints the answer. With --stream the
answer is printed incrementally as the model produces it; tool calling is
disabled in that mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runStream, "stream", false, "stream the answer incrementally")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Ctrl-C aborts the run
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			rt.logger.Info().Msg("Interrupt received, aborting run")
			cancel()
		case <-ctx.Done():
		}
	}()

	query := args[0]

	if runStream {
		for chunk := range rt.loop.RunStream(ctx, query, nil) {
			fmt.Print(chunk)
		}
		fmt.Println()
		return nil
	}

	answer := rt.loop.Run(ctx, query, nil)
	fmt.Println(answer)
	return nil
}
