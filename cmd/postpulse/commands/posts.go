package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/pulse/engine"
	"github.com/teranos/postpulse/sym"
)

// PostsCmd represents the posts command - the ledger of published posts
var PostsCmd = &cobra.Command{
	Use:   "posts",
	Short: sym.Pulse + " List and delete published posts",
	Long: sym.Pulse + ` posts - The ledger of posts a schedule published or synced.

Examples:
  postpulse posts ls weekly-digest
  postpulse posts ls weekly-digest --all       # Include deleted posts
  postpulse posts delete weekly-digest 81234   # Delete from the platform`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var postsLsCmd = &cobra.Command{
	Use:   "ls <schedule-id>",
	Short: "List a schedule's posts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			posts, err := e.ListPosts(ctx, args[0], all)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(posts)
			}
			if len(posts) == 0 {
				pterm.Info.Printf("No posts for %s\n", args[0])
				return nil
			}

			data := pterm.TableData{{"POST", "BOARD", "SUBJECT", "CREATED", "RUN", "STATE"}}
			for _, p := range posts {
				state := "live"
				if p.DeletedAt != nil {
					state = pterm.FgGray.Sprint("deleted")
				}
				runID := p.RunID
				if runID == "" {
					runID = "(sync)"
				}
				data = append(data, []string{
					p.PostID,
					p.BoardRef,
					p.Subject,
					p.CreatedAt.Local().Format(time.DateTime),
					runID,
					state,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var postsDeleteCmd = &cobra.Command{
	Use:   "delete <schedule-id> <post-id>",
	Short: "Delete a post from the schedule's board",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			r, err := e.DeletePost(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printDispatched(r)
			return nil
		})
	},
}

func init() {
	postsLsCmd.Flags().Bool("all", false, "Include deleted posts")
	postsLsCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	PostsCmd.AddCommand(postsLsCmd)
	PostsCmd.AddCommand(postsDeleteCmd)
}
