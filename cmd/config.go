package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pagestream/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// renderConfig marshals c with secrets masked.
func renderConfig(c *config.Config) ([]byte, error) {
	redacted := *c
	if redacted.Search.JinaKey != "" {
		redacted.Search.JinaKey = "********"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, eris.Wrap(err, "config: marshal")
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(configCmd)
}
