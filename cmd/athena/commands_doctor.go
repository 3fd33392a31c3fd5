package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/lespaceman/athena/internal/config"
	"github.com/lespaceman/athena/internal/telemetry"
)

func buildDoctorCmd() *cobra.Command {
	var projectDir, configPath string
	var rotateLog bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Report socket reachability, store health, and rule count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(projectDir, configPath, rotateLog)
		},
	}

	cmd.Flags().StringVarP(&projectDir, "project-dir", "p", ".", "Project directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "athena.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&rotateLog, "rotate-log", false, "Rotate hooks.jsonl if it exceeds 10MB")

	return cmd
}

func runDoctor(projectDir, configPath string, rotateLog bool) error {
	cfg, err := config.Load(configPath, projectDir)
	if err != nil {
		fmt.Printf("config:   FAIL (%v)\n", err)
		return err
	}
	fmt.Printf("config:   ok (%s)\n", configPath)

	sock := cfg.SocketPath()
	if conn, err := net.Dial("unix", sock); err != nil {
		fmt.Printf("socket:   not reachable (%s): %v\n", sock, err)
	} else {
		conn.Close()
		fmt.Printf("socket:   reachable (%s)\n", sock)
	}

	st, err := openStoreForCLI(projectDir, configPath)
	if err != nil {
		fmt.Printf("store:    FAIL (%v)\n", err)
	} else {
		defer st.Close()
		degraded, reason := st.IsDegraded()
		if degraded {
			fmt.Printf("store:    degraded (%s)\n", reason)
		} else {
			fmt.Printf("store:    ok (%s)\n", cfg.StorePath)
		}
		if sessions, err := st.ListSessions(context.Background()); err == nil {
			fmt.Printf("sessions: %d recorded\n", len(sessions))
		}
	}

	loadedRules, err := config.LoadRules(cfg.RulesPath, cfg.Rules)
	if err != nil {
		fmt.Printf("rules:    FAIL (%v)\n", err)
	} else {
		fmt.Printf("rules:    %d configured (%s)\n", len(loadedRules), cfg.RulesPath)
	}

	if info, err := os.Stat(cfg.HookLogPath); err == nil {
		fmt.Printf("hook log: %s (%d bytes)\n", cfg.HookLogPath, info.Size())
		if rotateLog {
			rotated, err := telemetry.RotateHookLog(cfg.HookLogPath, 10*1024*1024)
			if err != nil {
				fmt.Printf("hook log: rotate FAIL (%v)\n", err)
			} else if rotated {
				fmt.Println("hook log: rotated")
			} else {
				fmt.Println("hook log: rotation not needed")
			}
		}
	} else {
		fmt.Printf("hook log: not present (%s)\n", cfg.HookLogPath)
	}

	return nil
}
