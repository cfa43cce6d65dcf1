package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sentra/pkg/sentra/copilot"
)

// newValidateCmd creates `sentra validate [file]`.
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a model reply against the response protocol",
		Long: `Validate a <sentra-response> reply read from a file, or from stdin when no
file is given, and print its parsed segments and resources as JSON.
Exits non-zero when the reply is invalid.

Examples:
  sentra validate reply.xml
  echo '<sentra-response><text1>hi</text1></sentra-response>' | sentra validate`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("reading reply: %w", err)
			}
			model, _ := cmd.Flags().GetString("model")
			return validateReply(cmd.OutOrStdout(), string(data), model)
		},
	}
	cmd.Flags().String("model", "gpt-4o-mini", "model whose token ratio is used for the estimate")
	return cmd
}

func validateReply(w io.Writer, text, model string) error {
	report := copilot.InspectReply(text, model)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("invalid reply: %s", report.Reason)
	}
	return nil
}
