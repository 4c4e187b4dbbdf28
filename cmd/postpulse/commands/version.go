package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show postpulse version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			return printJSON(info)
		}

		pterm.Println(info.String())
		pterm.Printf("Platform:   %s\n", info.Platform)
		pterm.Printf("Go:         %s\n", info.GoVersion)
		pterm.Printf("User-Agent: %s\n", info.UserAgent())
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
