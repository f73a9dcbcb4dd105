package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eldavier/Kiro-sub000/internal/event"
	"github.com/eldavier/Kiro-sub000/internal/pipeline"
	"github.com/eldavier/Kiro-sub000/internal/provider"
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Analyse, plan and dispatch a goal in the foreground",
	Long: `Run a full pipeline for a goal: an analyser reads the goal, a planner
decomposes it into tasks and coders execute the tasks group by group.
Activity is streamed to stderr while the pipeline runs; the final state is
printed to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPipeline,
}

var (
	runProvider string
	runContext  string
	runJSON     bool
	runQuiet    bool
)

func init() {
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "",
		fmt.Sprintf("completion provider (%s)", strings.Join(kindNames(), ", ")))
	runCmd.Flags().StringVar(&runContext, "context", "", "extra context passed to every agent")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final pipeline state as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not stream activity")
	rootCmd.AddCommand(runCmd)
}

func kindNames() []string {
	kinds := provider.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func runPipeline(cmd *cobra.Command, args []string) error {
	req := pipeline.Request{
		Goal:    strings.Join(args, " "),
		Context: runContext,
	}
	if runProvider != "" {
		kind, err := provider.ParseKind(runProvider)
		if err != nil {
			return err
		}
		req.Provider = kind
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	unsubscribe := func() {}
	if !runQuiet {
		stderr := cmd.ErrOrStderr()
		unsubscribe = a.Bus.Subscribe(func(ev event.Event) { printEvent(stderr, ev) })
	}

	st := a.Pipelines.RunPipeline(cmd.Context(), req)
	unsubscribe()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: shutdown: %v\n", err)
	}

	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), renderSummary(st))
	}

	if st.Status == pipeline.StatusFailed {
		return fmt.Errorf("pipeline %s failed: %s", st.ID, st.Error)
	}
	return nil
}
