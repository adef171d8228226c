package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewGroupCommand constructs the `group` command group and subcommands.
func NewGroupCommand(baseURL BaseURLFunc) *cobra.Command {
	groupCmd := &cobra.Command{Use: "group", Short: "Group operations"}
	groupCmd.AddCommand(
		newGroupCreateCommand(baseURL),
		newGroupStatusCommand(baseURL),
		newGroupCancelCommand(baseURL),
	)
	return groupCmd
}

func newGroupCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			groupID, _ := cmd.Flags().GetString("id")
			owner, _ := cmd.Flags().GetString("owner")
			ttlMs, _ := cmd.Flags().GetInt64("ttl-ms")
			if groupID == "" {
				return fmt.Errorf("--id is required")
			}
			err := postJSON(baseURL, "/v1/groups", map[string]any{
				"groupId": groupID,
				"ownerId": owner,
				"ttlMs":   ttlMs,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "created")
			return nil
		},
	}
	createCmd.Flags().String("id", "", "Group id (caller supplied, unique)")
	createCmd.Flags().String("owner", "", "Owner id")
	createCmd.Flags().Int64("ttl-ms", 0, "Group time-to-live in ms (0 = no expiry)")
	return createCmd
}

func newGroupStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status <group-id>",
		Short: "Show a group's status and member counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON(baseURL, "/v1/groups/"+args[0], &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newGroupCancelCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <group-id>",
		Short: "Cancel a group and fail its remaining members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postJSON(baseURL, "/v1/groups/"+args[0]+"/cancel", map[string]any{}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		},
	}
}
