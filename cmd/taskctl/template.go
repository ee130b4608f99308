package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskd/internal/templates"
)

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Work with task templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file.toml>...",
		Short: "Validate template files",
		Long: `Validate task template files without a server.

Examples:
  # Validate one template
  taskctl template validate templates/onboarding.toml

  # Validate a directory of templates
  taskctl template validate templates/*.toml`,
		Args: cobra.MinimumNArgs(1),
		RunE: runValidate,
	})
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		tmpl, err := templates.ParseFile(path)
		if err != nil {
			failed++
			cmd.PrintErrf("FAIL %s: %v\n", path, err)
			continue
		}
		cmd.Printf("ok   %s (%s, %d fields)\n", path, tmpl.ID, len(tmpl.RequiredFields))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d templates invalid", failed, len(args))
	}
	return nil
}
