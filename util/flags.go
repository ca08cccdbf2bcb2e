package util

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to the upper-cased flag name to form its environment variable.
const EnvPrefix = "SHELF_"

// SetFlagsFromEnvVars reads and updates persistent flag values from environment
// variables with prefix SHELF_. Flags set explicitly on the command line win.
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		// E.g. feed-url -> SHELF_FEED_URL
		envName := EnvPrefix + flagNameToUpper(f.Name)

		if value, varPresent := os.LookupEnv(envName); varPresent {
			if err := flags.Set(f.Name, value); err != nil {
				log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
			}
		}
	})
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
