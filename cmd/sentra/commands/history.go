package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sentra/pkg/sentra/history"
)

// newHistoryCmd creates `sentra history [group]`.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [group]",
		Short: "Print stored conversation pairs",
		Long: `Print the conversation pairs stored in the history database.
Without a group, lists the groups that have history.

Examples:
  sentra history
  sentra history G:123456 --limit 5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.History.Path == "" {
				return fmt.Errorf("history.path is empty; history is not persisted")
			}
			db, err := history.OpenDatabase(cfg.History.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			store := history.NewSQLitePairStore(db, nil)

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				groups, err := store.Groups()
				if err != nil {
					return err
				}
				if len(groups) == 0 {
					fmt.Fprintln(out, "No stored history.")
				}
				for _, g := range groups {
					fmt.Fprintln(out, g)
				}
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				limit = cfg.History.MaxConversationPairs
			}
			pairs, err := store.LoadRecent(args[0], limit)
			if err != nil {
				return err
			}
			printPairs(out, args[0], pairs)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "number of pairs to print (default: history.max_conversation_pairs)")
	return cmd
}

func printPairs(w io.Writer, group string, pairs []history.Pair) {
	if len(pairs) == 0 {
		fmt.Fprintf(w, "No stored pairs for %s.\n", group)
		return
	}
	for i, p := range pairs {
		if i > 0 {
			fmt.Fprintln(w, strings.Repeat("-", 60))
		}
		fmt.Fprintf(w, "[%s] pair %s sender %s\n", p.FinishedAt.Local().Format(time.DateTime), p.ID, p.SenderID)
		fmt.Fprintf(w, "user:\n%s\n", indent(p.UserContent))
		fmt.Fprintf(w, "assistant:\n%s\n", indent(p.AssistantContent))
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
