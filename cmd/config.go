package cmd

import (
	"fmt"

	"github.com/audiolibrelab/pwmloop/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage pwmloop configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.Marshal()
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Printf("# profile: %s\n", cfg.Profile)
		fmt.Print(string(out))
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use [profile]",
	Short: "Set the active profile in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// load first so a broken profile is never made active
		if _, err := config.LoadWithProfile(cfgFile, args[0]); err != nil {
			return err
		}
		if err := config.UpdateActiveProfile(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile: %s\n", args[0])
		return nil
	},
}

var configProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List profiles in the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := config.ProfileNames(cfgFile)
		if err != nil {
			return err
		}
		for _, name := range names {
			marker := " "
			if name == cfg.Profile {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the built-in defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configProfilesCmd)
	configCmd.AddCommand(configInitCmd)
}
