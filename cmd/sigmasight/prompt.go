package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elliottng/sigmasight/pkg/prompt"
)

func promptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Inspect the analyst system prompt",
	}
	cmd.AddCommand(promptShowCmd(), promptDiffCmd())
	return cmd
}

func promptShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a built-in prompt version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := prompt.DefaultStore()
			if err != nil {
				return err
			}
			p, ok := store.Get(prompt.AnalystPrompt, version)
			if !ok {
				return fmt.Errorf("prompt %s v%d not found", prompt.AnalystPrompt, version)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), p.Body)
			return err
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "prompt version (0 = latest)")
	return cmd
}

func promptDiffCmd() *cobra.Command {
	var from int
	var file string
	cmd := &cobra.Command{
		Use:   "diff --file <candidate>",
		Short: "Lint a candidate prompt and diff it against a built-in version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			store, err := prompt.DefaultStore()
			if err != nil {
				return err
			}
			base, ok := store.Get(prompt.AnalystPrompt, from)
			if !ok {
				return fmt.Errorf("prompt %s v%d not found", prompt.AnalystPrompt, from)
			}
			candidate, issues, err := store.Save(prompt.Prompt{
				Name: prompt.AnalystPrompt,
				Body: string(body),
				Meta: base.Meta,
			})
			if errors.Is(err, prompt.ErrLintFailed) {
				for _, is := range issues {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", is.Rule, is.Message)
				}
				return err
			}
			if err != nil {
				return err
			}
			d := store.Diff(prompt.AnalystPrompt, base.Version, candidate.Version)
			if d == "" {
				d = "no changes against " + prompt.Label(base) + "\n"
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), d)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "candidate prompt body")
	cmd.Flags().IntVar(&from, "from", 0, "built-in version to compare against (0 = latest)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
