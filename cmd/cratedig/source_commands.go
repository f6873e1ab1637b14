package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSourceCommand(ctx *commandContext) *cobra.Command {
	sourceCmd := &cobra.Command{
		Use:   "source",
		Short: "Manage registered sample sources",
	}

	sourceCmd.AddCommand(newSourceAddCommand(ctx))
	sourceCmd.AddCommand(newSourceListCommand(ctx))
	sourceCmd.AddCommand(newSourceRemoveCommand(ctx))

	return sourceCmd
}

func newSourceAddCommand(ctx *commandContext) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a directory of audio samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.registry()
			if err != nil {
				return err
			}
			source, err := registry.Add(id, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered source %s at %s\n", source.ID, source.Root)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Identifier for the source (derived from the directory name if omitted)")
	return cmd
}

func newSourceListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.registry()
			if err != nil {
				return err
			}
			sources := registry.Sources()
			out := cmd.OutOrStdout()
			if len(sources) == 0 {
				fmt.Fprintln(out, "No sources registered. Add one with `cratedig source add <path>`.")
				return nil
			}
			rows := make([][]string, 0, len(sources))
			for _, source := range sources {
				rows = append(rows, []string{source.ID, source.Root})
			}
			fmt.Fprintln(out, renderTable(out, []string{"ID", "Root"}, rows, []columnAlignment{alignLeft, alignLeft}))
			return nil
		},
	}
}

func newSourceRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a registered source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := ctx.registry()
			if err != nil {
				return err
			}
			removed, err := registry.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("unknown source %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed source %s\n", args[0])
			fmt.Fprintln(cmd.OutOrStdout(), "Analysis data under the source directory is left in place.")
			return nil
		},
	}
}
