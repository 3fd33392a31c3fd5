package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lespaceman/athena/internal/config"
	"github.com/lespaceman/athena/internal/store"
)

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect durably recorded sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd())
	return cmd
}

func openStoreForCLI(projectDir, configPath string) (*store.Store, error) {
	cfg, err := config.Load(configPath, projectDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func buildSessionsListCmd() *cobra.Command {
	var projectDir, configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every session recorded in the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(projectDir, configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions recorded")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%s\tmodel=%s\tsource=%s\n", s.ID, s.Model, s.Source)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectDir, "project-dir", "p", ".", "Project directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "athena.yaml", "Path to YAML configuration file")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var projectDir, configPath string
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print every feed event recorded for a session, in seq order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(projectDir, configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			boot, err := st.Restore(context.Background(), args[0])
			if err != nil {
				return err
			}
			if boot.Session == nil {
				return fmt.Errorf("no session %q recorded", args[0])
			}
			fmt.Printf("session %s (model=%s source=%s)\n", boot.Session.ID, boot.Session.Model, boot.Session.Source)
			for _, e := range boot.Events {
				fmt.Printf("  seq=%d kind=%s tool=%s summary=%q\n", e.Seq, e.Kind, e.ToolName, e.Summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectDir, "project-dir", "p", ".", "Project directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "athena.yaml", "Path to YAML configuration file")
	return cmd
}
