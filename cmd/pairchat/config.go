package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configShowSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and change CLI settings",
	Long:  "Settings live in ~/.pairchat/config.toml, or in the file named by PAIRCHAT_CONFIG.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List every setting",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("# %s\n", path)
		for _, key := range configKeys() {
			v, _ := configField(cfg, key)
			shown := *v
			if key == "auth.token" && shown != "" && !configShowSecrets {
				shown = maskKey(shown)
			}
			fmt.Printf("%-18s %s\n", key, valueOrDefault(shown, "(unset)"))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := configField(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(*v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Change one setting",
	Example: "  pairchat config set default.base_url https://chat.example.com",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], "")
	},
}

func updateConfig(key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := configField(cfg, key)
	if err != nil {
		return err
	}
	*v = value
	if err := saveConfig(cfg); err != nil {
		return err
	}
	if value == "" {
		fmt.Printf("%s cleared\n", key)
	} else {
		fmt.Printf("%s updated\n", key)
	}
	return nil
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "Print the credential unmasked")

	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}
