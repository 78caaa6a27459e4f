package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change cotloop configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printConfig(cmd.OutOrStdout(), "")
	},
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one value, or every value under a section such as ollama",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getConfig(cmd.OutOrStdout(), args[0])
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a value to the global config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
			if key == "" || value == "" {
				return fmt.Errorf("config key and value are required")
			}
			if err := config.SetGlobal(nil, key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, value)
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "list [prefix]",
		Short: "List merged configuration values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return printConfig(cmd.OutOrStdout(), prefix)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show which config files are merged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigForCwd()
			if err != nil {
				return err
			}
			paths := cfg.Paths()
			out := cmd.OutOrStdout()
			for _, row := range [][2]string{
				{"default", paths.Default},
				{"global", paths.Global},
				{"project", paths.Project},
				{"dotenv", paths.DotEnv},
			} {
				fmt.Fprintf(out, "%-8s %s\n", row[0], orNone(row[1]))
			}
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)
}

func getConfig(out io.Writer, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("config key is required")
	}
	cfg, err := loadConfigForCwd()
	if err != nil {
		return err
	}
	items, err := cfg.List()
	if err != nil {
		return err
	}
	section := sectionItems(items, key)
	delete(section, key)
	if len(section) > 0 {
		writeItems(out, section)
		return nil
	}

	value, ok := cfg.Get(key)
	if !ok {
		return fmt.Errorf("config key not found: %s", key)
	}
	fmt.Fprintln(out, value)
	return nil
}

func printConfig(out io.Writer, prefix string) error {
	cfg, err := loadConfigForCwd()
	if err != nil {
		return err
	}
	items, err := cfg.List()
	if err != nil {
		return err
	}
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		items = sectionItems(items, prefix)
	}
	writeItems(out, items)
	return nil
}

// sectionItems keeps the entries at or below prefix.
func sectionItems(items map[string]string, prefix string) map[string]string {
	section := map[string]string{}
	for key, value := range items {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			section[key] = value
		}
	}
	return section
}

func writeItems(out io.Writer, items map[string]string) {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "%s=%s\n", key, items[key])
	}
}

func orNone(path string) string {
	if path == "" {
		return "(none)"
	}
	return path
}
