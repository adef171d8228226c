package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the grubq client. It registers
// the submit, job, and group command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "grubq",
		Short: "grubq client commands",
	}
	root.AddCommand(NewSubmitCommand(baseURL))
	root.AddCommand(NewJobCommand(baseURL))
	root.AddCommand(NewGroupCommand(baseURL))
	return root
}
