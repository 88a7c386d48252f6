package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/livebridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing livebridge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

This shows every configuration option after defaults, the config file and
environment variables are merged. Secrets are masked. Redirect the output
to a file to create a configuration template:

  livebridge config dump > config.yaml

Environment variables use the LIVEBRIDGE_ prefix and underscores for nesting.
Example: server.port -> LIVEBRIDGE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// secretKeys are masked in the dump.
var secretKeys = map[string]bool{
	"api_secret":     true,
	"redis_password": true,
}

// toMap converts a config struct to a map, formatting durations and sizes
// for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		case string:
			if secretKeys[key] && v != "" {
				result[key] = "********"
			} else {
				result[key] = v
			}
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# livebridge Configuration File")
	fmt.Fprintln(out, "# ==============================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(out, "# Size format: 16MiB, 1GB")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   LIVEBRIDGE_SERVER_HOST, LIVEBRIDGE_SERVER_PORT")
	fmt.Fprintln(out, "#   LIVEBRIDGE_PROVIDER_BASE_URL")
	fmt.Fprintln(out, "#   LIVEBRIDGE_REALTIME_API_KEY, LIVEBRIDGE_REALTIME_API_SECRET")
	fmt.Fprintln(out, "#   LIVEBRIDGE_PRESENCE_DRIVER, LIVEBRIDGE_PRESENCE_REDIS_ADDRESS")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))

	return nil
}
