package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Start a new session",
	Long: `Start a new session for a goal. The goal is taken from the arguments,
or read from standard input when none are given. Prompts passed with
--queue start their own sessions after this one ends.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func init() {
	registerRunFlags(runCmd.Flags())
}

func registerRunFlags(flags *pflag.FlagSet) {
	flags.StringArrayP("queue", "q", nil, "Prompt for a follow-up session (repeatable)")
}

var errPromptRequired = errors.New("prompt is required")

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		input := cmd.InOrStdin()
		tty := false
		if file, ok := input.(*os.File); ok {
			tty = isTerminalFile(file)
		}
		prompt, err = promptForGoal(input, cmd.ErrOrStderr(), tty)
		if err != nil {
			if errors.Is(err, errPromptRequired) {
				return fmt.Errorf("prompt required: pass it as arguments or on standard input")
			}
			return err
		}
	}

	queued, err := cmd.Flags().GetStringArray("queue")
	if err != nil {
		return err
	}
	for _, q := range queued {
		a.presenter.QueuePrompt(q)
	}

	a.logs.Logger.Info("starting session", "workdir", a.workdir, "rounds", a.cfg.Rounds, "queued", len(queued))
	res, err := a.orchestrator().Run(cmd.Context(), prompt)
	return a.finish(res, err)
}

// promptForGoal reads the goal from r. On a terminal it asks for a single
// line; otherwise all of r is the goal.
func promptForGoal(r io.Reader, w io.Writer, tty bool) (string, error) {
	if !tty {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		goal := strings.TrimSpace(string(data))
		if goal == "" {
			return "", errPromptRequired
		}
		return goal, nil
	}

	fmt.Fprint(w, "potter> What should I work on? ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	fmt.Fprintln(w)

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errPromptRequired
	}
	return line, nil
}

func isTerminalFile(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
