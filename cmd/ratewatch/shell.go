package main

import (
	"fmt"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func newShellCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive prompt over the other commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("shell needs an interactive terminal")
			}

			sh := &shell{opts: *opts}
			fmt.Fprintln(cmd.OutOrStdout(), "ratewatch shell. Type 'help' for commands, 'exit' to quit.")
			prompt.New(
				sh.execute,
				sh.complete,
				prompt.OptionPrefix("ratewatch> "),
				prompt.OptionTitle("ratewatch"),
				prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
					return breakline && isExit(in)
				}),
			).Run()
			return nil
		},
	}
}

// shell runs each input line as a fresh command tree, carrying the
// persistent flags of the enclosing invocation.
type shell struct {
	opts globalOptions
}

func isExit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit", `\q`:
		return true
	}
	return false
}

func (s *shell) execute(line string) {
	args, err := splitArgs(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	if len(args) == 0 || isExit(line) {
		return
	}
	if args[0] == "shell" {
		fmt.Fprintln(os.Stderr, "Error: already in the shell")
		return
	}

	opts := s.opts
	root := newRootCmd(&opts)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	if strings.Contains(before, " ") {
		word := d.GetWordBeforeCursor()
		if strings.HasPrefix(word, "-") {
			return prompt.FilterHasPrefix(flagSuggestions(strings.Fields(before)[0]), word, true)
		}
		return nil
	}

	var suggests []prompt.Suggest
	for _, c := range newRootCmd(&globalOptions{}).Commands() {
		if c.Hidden || c.Name() == "shell" || c.Name() == "completion" {
			continue
		}
		suggests = append(suggests, prompt.Suggest{Text: c.Name(), Description: c.Short})
	}
	suggests = append(suggests, prompt.Suggest{Text: "exit", Description: "Leave the shell"})
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}

func flagSuggestions(name string) []prompt.Suggest {
	cmd, _, err := newRootCmd(&globalOptions{}).Find([]string{name})
	if err != nil {
		return nil
	}
	var suggests []prompt.Suggest
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		suggests = append(suggests, prompt.Suggest{Text: "--" + f.Name, Description: f.Usage})
	})
	return suggests
}

// splitArgs splits a line on whitespace, honouring single and double quotes.
func splitArgs(line string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		inArg bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
