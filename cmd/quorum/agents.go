package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"quorum/internal/knowledge"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and manage the knowledge agent library",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listAgents()
	},
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents and their groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listAgents()
	},
}

func listAgents() error {
	ks, err := knowledge.LoadFile(agentsPath)
	if err != nil {
		return err
	}

	byGroup := map[string]string{}
	for _, g := range ks.Groups() {
		byGroup[g.ID] = g.Name
	}

	for _, a := range ks.Enabled() {
		line := fmt.Sprintf("  %-24s %s", a.ID, a.DisplayName)
		if a.GroupID != "" {
			line += fmt.Sprintf("  [%s]", byGroup[a.GroupID])
		}
		fmt.Println(line)
	}
	total, active := ks.Count()
	if total > active {
		fmt.Printf("  (%d more disabled)\n", total-active)
	}
	return nil
}

// mutateLibrary loads the library, applies fn, and writes it back.
func mutateLibrary(fn func(*knowledge.Store) error) error {
	ks, err := knowledge.LoadFile(agentsPath)
	if err != nil {
		return err
	}
	if err := fn(ks); err != nil {
		return err
	}
	return ks.SaveFile(agentsPath)
}

var agentsEnableCmd = &cobra.Command{
	Use:   "enable [agent-id]",
	Short: "Enable an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateLibrary(func(ks *knowledge.Store) error {
			return ks.SetEnabled(args[0], true)
		})
	},
}

var agentsDisableCmd = &cobra.Command{
	Use:   "disable [agent-id]",
	Short: "Disable an agent without removing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateLibrary(func(ks *knowledge.Store) error {
			return ks.SetEnabled(args[0], false)
		})
	},
}

var agentsRenameCmd = &cobra.Command{
	Use:   "rename [agent-id] [new-name]",
	Short: "Rename an agent's display name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateLibrary(func(ks *knowledge.Store) error {
			return ks.Rename(args[0], args[1])
		})
	},
}

var agentsGroupCmd = &cobra.Command{
	Use:   "group [agent-id] [group-id]",
	Short: "Assign an agent to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateLibrary(func(ks *knowledge.Store) error {
			return ks.AssignGroup(args[0], args[1])
		})
	},
}

var agentsRemoveCmd = &cobra.Command{
	Use:   "remove [agent-id]",
	Short: "Remove an agent from the library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateLibrary(func(ks *knowledge.Store) error {
			return ks.Remove(args[0])
		})
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsEnableCmd, agentsDisableCmd,
		agentsRenameCmd, agentsGroupCmd, agentsRemoveCmd)
}
