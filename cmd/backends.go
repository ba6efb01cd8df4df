package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/pwmloop/internal/audio"

	"github.com/spf13/cobra"
)

var backendsCmd = &cobra.Command{
	Use:     "backends",
	Aliases: []string{"sources"},
	Short:   "List available analog sources and sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Analog backends\n")
		fmt.Printf("═══════════════════════════════════════\n")

		for _, role := range []string{"source", "sink"} {
			selected := cfg.Capture.Source
			if role == "sink" {
				selected = cfg.Playback.Sink
			}

			fmt.Printf("\n%sS:\n", strings.ToUpper(role))
			for _, b := range audio.GetAvailableBackends() {
				if b.Role != role {
					continue
				}
				marker := " "
				if strings.EqualFold(string(b.Type), selected) {
					marker = "*"
				}
				fmt.Printf("  %s %-9s %s\n", marker, b.Type, b.Description)
			}
		}
		fmt.Println()
		return nil
	},
}
