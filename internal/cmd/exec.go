package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/eldavier/Kiro-sub000/internal/app"
	"github.com/eldavier/Kiro-sub000/internal/command"
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command>",
	Short: "Run a shell command through the approval engine",
	Long: `Submit a shell command on behalf of an agent. The effective approval policy
decides what happens: auto runs it at once, deny rejects it, and prompt asks
on the terminal. Without a terminal a prompted command is denied unless --yes
is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var (
	execAgent   string
	execReason  string
	execTimeout time.Duration
	execYes     bool
)

func init() {
	execCmd.Flags().StringVarP(&execAgent, "agent", "a", "cli", "agent id submitting the command")
	execCmd.Flags().StringVar(&execReason, "reason", "", "why the command is needed")
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "command timeout (default from config)")
	execCmd.Flags().BoolVarP(&execYes, "yes", "y", false, "approve a prompted command without asking")
	rootCmd.AddCommand(execCmd)
}

// execOptions lets tests swap the shell executor.
var execOptions []app.Option

func runExec(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd, execOptions...)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	}()

	dir, _ := os.Getwd()
	entry, err := a.Commands.Submit(cmd.Context(), command.Request{
		AgentID: execAgent,
		Command: strings.Join(args, " "),
		Reason:  execReason,
		Dir:     dir,
		Timeout: execTimeout,
	})
	if err != nil {
		return err
	}

	if entry.Status == command.StatusPending {
		approve, err := confirm(cmd, entry)
		if err != nil {
			return err
		}
		if approve {
			entry, err = a.Commands.Approve(cmd.Context(), entry.ID)
		} else {
			entry, err = a.Commands.Deny(entry.ID, "denied by operator")
		}
		if err != nil {
			return err
		}
	}
	return reportEntry(cmd, entry)
}

// confirm asks the operator about a pending command.
func confirm(cmd *cobra.Command, entry command.Entry) (bool, error) {
	if execYes {
		return true, nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s needs approval and no terminal is attached\n", boldYellow("!"), entry.ID)
		return false, nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s wants to run:\n  %s\n", boldYellow("?"), magenta(entry.AgentID), bold(entry.Command))
	if entry.Reason != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", dim(entry.Reason))
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Approve? [y/N] ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func reportEntry(cmd *cobra.Command, entry command.Entry) error {
	_, _ = io.WriteString(cmd.OutOrStdout(), entry.Stdout)
	_, _ = io.WriteString(cmd.ErrOrStderr(), entry.Stderr)

	switch entry.Status {
	case command.StatusCompleted:
		return nil
	case command.StatusDenied, command.StatusCancelled:
		return fmt.Errorf("command %s %s: %s", entry.ID, entry.Status, entry.DenyReason)
	case command.StatusTimeout:
		return fmt.Errorf("command %s timed out after %s", entry.ID, entry.Timeout())
	default:
		code := -1
		if entry.ExitCode != nil {
			code = *entry.ExitCode
		}
		return fmt.Errorf("command %s %s with exit code %d", entry.ID, entry.Status, code)
	}
}
