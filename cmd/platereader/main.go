package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/richinsley/adamboot/internal/logging"
	"github.com/richinsley/adamboot/platereader"
)

// loadConfig reads PLATEREADER_API_KEY, PLATEREADER_URL, PLATEREADER_OUTPUT,
// PLATEREADER_REGIONS (space separated), PLATEREADER_CAMERA_ID and
// PLATEREADER_TIMEOUT.
func loadConfig() platereader.Config {
	v := viper.New()
	v.SetEnvPrefix("platereader")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	def := platereader.DefaultConfig()
	v.SetDefault("api_key", def.APIKey)
	v.SetDefault("url", def.URL)
	v.SetDefault("output", def.Output)
	v.SetDefault("regions", []string{})
	v.SetDefault("camera_id", "")
	v.SetDefault("timeout", def.Timeout)

	return platereader.Config{
		APIKey:   v.GetString("api_key"),
		URL:      v.GetString("url"),
		Output:   v.GetString("output"),
		Regions:  v.GetStringSlice("regions"),
		CameraID: v.GetString("camera_id"),
		Timeout:  v.GetDuration("timeout"),
	}
}

func main() {
	cmd := &cobra.Command{
		Use:          "platereader <Image>",
		Short:        "Read license plates from an image and append the answer to a file",
		SilenceUsage: true,
		// argument errors are part of the output contract, not cobra's
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := os.Getenv("PLATEREADER_LOG_LEVEL")
			if level == "" {
				level = "warn"
			}
			if err := logging.InitLogger(&logging.Config{Level: level, LogFormat: "text"}); err != nil {
				return err
			}
			client := platereader.NewClient(loadConfig())
			defer client.Close()
			return platereader.Run(context.Background(), client, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	// no flags: every argument counts toward the image path check
	cmd.DisableFlagParsing = true

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
