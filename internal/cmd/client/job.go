package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSubmitCommand constructs the top-level `submit` command.
func NewSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, _ := cmd.Flags().GetString("payload")
			priority, _ := cmd.Flags().GetInt32("priority")
			owner, _ := cmd.Flags().GetString("owner")
			group, _ := cmd.Flags().GetString("group")

			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			var out struct {
				JobID string `json:"jobId"`
			}
			err := postJSON(baseURL, "/v1/jobs", map[string]any{
				"payload":  json.RawMessage(payload),
				"priority": priority,
				"ownerId":  owner,
				"groupId":  group,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.JobID)
			return nil
		},
	}
	submitCmd.Flags().String("payload", "{}", "Job payload as JSON")
	submitCmd.Flags().Int32("priority", 100, "Priority (lower runs first)")
	submitCmd.Flags().String("owner", "", "Owner id for attribution")
	submitCmd.Flags().String("group", "", "Group id for membership (optional)")
	return submitCmd
}

// NewJobCommand constructs the `job` command group.
func NewJobCommand(baseURL BaseURLFunc) *cobra.Command {
	jobCmd := &cobra.Command{Use: "job", Short: "Job operations"}
	jobCmd.AddCommand(newJobStatusCommand(baseURL))
	return jobCmd
}

func newJobStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status and outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON(baseURL, "/v1/jobs/"+args[0], &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
