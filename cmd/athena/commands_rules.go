package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lespaceman/athena/internal/config"
	"github.com/lespaceman/athena/internal/feed"
)

func buildRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit the persisted rule set",
	}
	cmd.AddCommand(buildRulesListCmd(), buildRulesAddCmd(), buildRulesRemoveCmd())
	return cmd
}

func buildRulesListCmd() *cobra.Command {
	var projectDir, configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the current rule set in stored order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, projectDir)
			if err != nil {
				return err
			}
			loaded, err := config.LoadRules(cfg.RulesPath, cfg.Rules)
			if err != nil {
				return err
			}
			if len(loaded) == 0 {
				fmt.Println("no rules configured")
				return nil
			}
			for i, r := range loaded {
				fmt.Printf("%d\t%s\t%s\n", i, r.Action, r.Pattern)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectDir, "project-dir", "p", ".", "Project directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "athena.yaml", "Path to YAML configuration file")
	return cmd
}

func buildRulesAddCmd() *cobra.Command {
	var projectDir, configPath, action string
	cmd := &cobra.Command{
		Use:   "add <pattern>",
		Short: "Append a rule (pattern matches exactly or by trailing *)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if action != "allow" && action != "deny" {
				return fmt.Errorf("--action must be \"allow\" or \"deny\", got %q", action)
			}
			cfg, err := config.Load(configPath, projectDir)
			if err != nil {
				return err
			}
			loaded, err := config.LoadRules(cfg.RulesPath, cfg.Rules)
			if err != nil {
				return err
			}
			loaded = append(loaded, feed.HookRule{Pattern: args[0], Action: action})
			if err := config.SaveRules(cfg.RulesPath, loaded); err != nil {
				return err
			}
			fmt.Printf("added rule: %s %s\n", action, args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectDir, "project-dir", "p", ".", "Project directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "athena.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&action, "action", "allow", "allow or deny")
	return cmd
}

func buildRulesRemoveCmd() *cobra.Command {
	var projectDir, configPath string
	cmd := &cobra.Command{
		Use:   "remove <index>",
		Short: "Remove the rule at the given index (see `athena rules list`)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var index int
			if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil {
				return fmt.Errorf("invalid index %q: %w", args[0], err)
			}
			cfg, err := config.Load(configPath, projectDir)
			if err != nil {
				return err
			}
			loaded, err := config.LoadRules(cfg.RulesPath, cfg.Rules)
			if err != nil {
				return err
			}
			if index < 0 || index >= len(loaded) {
				return fmt.Errorf("index %d out of range (have %d rules)", index, len(loaded))
			}
			loaded = append(loaded[:index], loaded[index+1:]...)
			if err := config.SaveRules(cfg.RulesPath, loaded); err != nil {
				return err
			}
			fmt.Printf("removed rule at index %d\n", index)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectDir, "project-dir", "p", ".", "Project directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "athena.yaml", "Path to YAML configuration file")
	return cmd
}
