package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mithem/compolvo/internal/agent"
	"github.com/mithem/compolvo/pkg/console"
	"github.com/mithem/compolvo/pkg/debug"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	debug.Reinitialize()

	rootCmd := &cobra.Command{
		Use:   "compolvo-agent",
		Short: "Compolvo agent: executes software install commands on this machine",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", agent.DefaultConfigFile,
		"path to the agent config file")

	rootCmd.AddCommand(newInitCmd(), newRunCmd())

	if err := rootCmd.Execute(); err != nil {
		console.Error("%v", err)
		os.Exit(1)
	}
}

func newInitCmd() *cobra.Command {
	var (
		host      string
		agentID   string
		name      string
		overwrite bool
		insecure  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Register this machine against the server and write the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent-id is required")
			}

			operatingSystem, err := agent.DetectOperatingSystem()
			if err != nil {
				return err
			}
			console.Info("Detected operating system: %s", operatingSystem)

			cfg := &agent.Config{
				Agent:    agent.AgentConfig{ID: agentID},
				Compolvo: agent.ServerConfig{Host: host, Secure: !insecure},
			}
			if _, err := os.Stat(configFile); err == nil && !overwrite {
				return fmt.Errorf("config file %s exists, pass --overwrite to replace it", configFile)
			}
			if err := agent.SaveConfig(cfg, configFile); err != nil {
				return err
			}
			console.Info("Wrote config to %s", configFile)

			if err := registerAgent(cfg, operatingSystem, name); err != nil {
				return err
			}
			console.Success("Agent initialized")
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "compolvo-host", "localhost:8080", "hostname where the server is hosted")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "ID of the agent to connect as")
	cmd.Flags().StringVar(&name, "name", "", "name to assign to this agent")
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "use an insecure connection")
	return cmd
}

// registerAgent confirms the agent's identity with the server and records
// the detected operating system.
func registerAgent(cfg *agent.Config, operatingSystem, name string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	base := cfg.Compolvo.BaseURL()

	resp, err := client.Get(fmt.Sprintf("%s/api/agent/name?id=%s", base, cfg.Agent.ID))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("failed to look up agent: %s", string(body))
	}

	var current struct {
		Name            *string `json:"name"`
		OperatingSystem *string `json:"operating_system"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
		return fmt.Errorf("malformed server response: %w", err)
	}
	if current.OperatingSystem != nil && *current.OperatingSystem != operatingSystem {
		console.Warning("Agent was previously configured on a different operating system (was %s, now %s)",
			*current.OperatingSystem, operatingSystem)
	}

	payload := map[string]string{
		"id":               cfg.Agent.ID,
		"operating_system": operatingSystem,
	}
	if name != "" {
		payload["name"] = name
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPatch, base+"/api/agent/init", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err = client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("failed to initialize agent: %s", string(body))
	}
	return nil
}

func newRunCmd() *cobra.Command {
	var (
		retries  int
		infinite bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and execute install commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := agent.LoadConfig(configFile)
			if err != nil {
				return err
			}

			workDir, err := os.MkdirTemp("", "compolvo-playbooks-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(workDir)

			runner := agent.NewAnsibleRunner(cfg.Compolvo.BaseURL(), workDir)
			client := agent.NewClient(cfg, runner)

			budget := retries
			if infinite {
				budget = agent.InfiniteRetries
			}
			console.Info("Starting agent %s", cfg.Agent.ID)
			return client.Run(context.Background(), budget)
		},
	}

	cmd.Flags().IntVar(&retries, "retries", 5, "number of reconnect attempts before giving up")
	cmd.Flags().BoolVar(&infinite, "infinite", false, "reconnect forever")
	return cmd
}
