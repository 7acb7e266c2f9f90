package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/autonomous-butler/butler-core/internal/agents"
	"github.com/autonomous-butler/butler-core/internal/core"
	gssh "github.com/autonomous-butler/butler-core/internal/ssh"
	"github.com/autonomous-butler/butler-core/pkg/api"
)

// Write the default configuration
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = core.DefaultConfigPath()
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				printStatus(out, "⚠", fmt.Sprintf("%s already exists (use --force to overwrite)", path), color.FgYellow)
				return nil
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := core.DefaultConfig()
			if err := core.WriteConfig(path, cfg); err != nil {
				return err
			}
			printStatus(out, "✓", "Wrote "+path, color.FgGreen)

			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			printStatus(out, "✓", "Prepared "+cfg.SSH.KnownHosts, color.FgGreen)
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s Run 'butler serve' to start the orchestrator.\n", color.GreenString("✓"))
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

// List and administer agents
func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := clientFrom(cmd).Agents(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCLASS\tLOAD\tCAPABILITIES")
			for _, a := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%v\n", a.ID, a.Name, stateString(a.Status), dash(a.Class), a.Load, a.MaxConcurrent, a.Capabilities)
			}
			return tw.Flush()
		},
	}
	for _, status := range []string{"enable", "disable"} {
		target := string(core.AgentActive)
		if status == "disable" {
			target = string(core.AgentDisabled)
		}
		cmd.AddCommand(&cobra.Command{
			Use:   status + " <agent-id>",
			Short: fmt.Sprintf("Mark an agent %s", target),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := clientFrom(cmd).SetAgentStatus(cmd.Context(), args[0], target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", a.ID, stateString(a.Status))
				return nil
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "kinds",
		Short: "Show built-in agent kinds and their actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "KIND\tCLASS\tACTION\tREQUIRED FIELDS")
			for _, k := range agents.Kinds() {
				for _, action := range k.ActionNames() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", k.Name, k.Class, action, k.Actions[action])
				}
			}
			return tw.Flush()
		},
	})
	return cmd
}

// Show the status snapshot
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := clientFrom(cmd).Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			fmt.Fprintf(out, "status: %s\n", stateString(fmt.Sprint(snap["status"])))
			if comps, ok := snap["components"].(map[string]any); ok {
				names := make([]string, 0, len(comps))
				for n := range comps {
					names = append(names, n)
				}
				sort.Strings(names)
				for _, n := range names {
					fmt.Fprintf(out, "  %-14s %s\n", n, stateString(fmt.Sprint(comps[n])))
				}
			}
			if m, ok := snap["metrics"].(map[string]any); ok {
				fmt.Fprintf(out, "uptime: %v  queued: %v  in flight: %v  success rate: %v\n",
					m["uptime"], m["queued_total"], m["in_flight"], m["success_rate"])
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the raw snapshot")
	return cmd
}

// Submit a task
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <capability> [payload-json]",
		Short: "Submit a task for the agents with a capability",
		Example: `  butler submit devops '{"action":"deploy","service":"api","version":"1.4.0"}'
  butler submit support --action answer --field question="where is my order?" --wait`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := buildPayload(cmd, args[1:])
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			priority, _ := cmd.Flags().GetInt("priority")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			c := clientFrom(cmd)
			task, err := c.Submit(cmd.Context(), api.TaskRequest{
				ID:          id,
				Capability:  args[0],
				Payload:     payload,
				Priority:    priority,
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wait, _ := cmd.Flags().GetBool("wait"); !wait {
				fmt.Fprintln(out, task.ID)
				return nil
			}
			task, err = c.Wait(cmd.Context(), task.ID, 250*time.Millisecond)
			if err != nil {
				return err
			}
			printTask(out, task)
			if task.State != "succeeded" {
				return fmt.Errorf("task %s %s", task.ID, task.State)
			}
			return nil
		},
	}
	cmd.Flags().String("id", "", "task id (generated when empty)")
	cmd.Flags().Int("priority", 0, "higher runs first")
	cmd.Flags().Int("max-attempts", 0, "attempt limit (server default when 0)")
	cmd.Flags().String("action", "", "action name, builds the payload from --field values")
	cmd.Flags().StringToString("field", nil, "payload field key=value (repeatable)")
	cmd.Flags().Bool("wait", false, "wait for the task to finish and print it")
	return cmd
}

func buildPayload(cmd *cobra.Command, args []string) (json.RawMessage, error) {
	action, _ := cmd.Flags().GetString("action")
	fields, _ := cmd.Flags().GetStringToString("field")
	switch {
	case len(args) == 1 && action != "":
		return nil, errors.New("use either a payload argument or --action, not both")
	case len(args) == 1:
		if !json.Valid([]byte(args[0])) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(args[0]), nil
	case action != "":
		m := map[string]any{"action": action}
		for k, v := range fields {
			m[k] = v
		}
		b, err := json.Marshal(m)
		return b, err
	case len(fields) > 0:
		return nil, errors.New("--field requires --action")
	default:
		return nil, nil
	}
}

// Show a task
func newTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := clientFrom(cmd).Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

// List tasks
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			capability, _ := cmd.Flags().GetString("capability")
			limit, _ := cmd.Flags().GetInt("limit")
			tasks, err := clientFrom(cmd).Tasks(cmd.Context(), state, capability, limit)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().String("state", "", "filter by state")
	cmd.Flags().String("capability", "", "filter by capability")
	cmd.Flags().Int("limit", 0, "maximum tasks to show")
	return cmd
}

// Cancel a task
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := clientFrom(cmd).Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if t.State == "abandoned" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", t.ID, stateString(t.State))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s cancel requested (%s)\n", t.ID, stateString(t.State))
			}
			return nil
		},
	}
}

// Show recorded events
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Show recorded task events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			}
			events, err := clientFrom(cmd).History(cmd.Context(), taskID, limit)
			if err != nil {
				return err
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum events to show")
	return cmd
}

// Generate the SSH key used by ssh backends
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the SSH key used by ssh agent backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			keyPath := filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			force, _ := cmd.Flags().GetBool("force")

			var pub string
			if raw, err := os.ReadFile(keyPath + ".pub"); err == nil && !force {
				pub = string(raw)
				printStatus(cmd.ErrOrStderr(), "⚠", "Reusing existing key "+keyPath, color.FgYellow)
			} else {
				if pub, err = gssh.GenerateEd25519Keypair(keyPath); err != nil {
					return err
				}
				printStatus(cmd.ErrOrStderr(), "✓", "Wrote "+keyPath, color.FgGreen)
			}

			if ci, _ := cmd.Flags().GetBool("cloud-init"); ci {
				agentURL, _ := cmd.Flags().GetString("agent-url")
				token, _ := cmd.Flags().GetString("token")
				command, _ := cmd.Flags().GetString("command")
				listen, _ := cmd.Flags().GetString("listen")
				fmt.Fprint(out, agents.CloudInitUserData(agents.CloudInitOptions{
					AuthorizedKey: pub,
					AgentURL:      agentURL,
					Listen:        listen,
					Token:         token,
					Command:       command,
				}))
				return nil
			}
			fmt.Fprint(out, pub)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "replace an existing key")
	cmd.Flags().Bool("cloud-init", false, "print cloud-init user data that installs butler-agent")
	cmd.Flags().String("agent-url", "", "download URL of the butler-agent binary")
	cmd.Flags().String("token", "", "token the agent daemon will require")
	cmd.Flags().String("command", "", "command the agent daemon runs for each action")
	cmd.Flags().String("listen", "", "agent daemon listen address")
	return cmd
}

// Record a host key in known_hosts
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host[:port]> <authorized-key>",
		Short: "Add a host key to the known_hosts file used by ssh backends",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			fp, err := gssh.HostKeyFingerprint(args[1])
			if err != nil {
				return err
			}
			if err := gssh.AppendKnownHost(cfg.SSH.KnownHosts, args[0], args[1]); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Trusted %s (%s)", args[0], fp), color.FgGreen)
			return nil
		},
	}
}

// Check an agent daemon
func newPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping <agent-url>",
		Short: "Check that a butler-agent daemon is reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = os.Getenv("BUTLER_AGENT_TOKEN")
			}
			hb, err := agents.NewHTTPBackend(args[0], token, -1).Heartbeat(cmd.Context())
			if err != nil {
				printStatus(cmd.OutOrStdout(), "✗", err.Error(), color.FgRed)
				return err
			}
			printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("%s version=%s backend=%s", hb.Host, hb.Version, hb.Backend), color.FgGreen)
			return nil
		},
	}
	cmd.Flags().String("token", "", "agent token (defaults to BUTLER_AGENT_TOKEN)")
	return cmd
}
