// keyvault stores third-party API keys envelope-encrypted after validating
// them against their provider.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/keyvault/internal/config"
)

var (
	configPath string
	logLevel   string
	ownerID    string
)

var rootCmd = &cobra.Command{
	Use:   "keyvault",
	Short: "Validate, encrypt and store third-party API keys.",
	Long: `keyvault is a bring-your-own-key credential vault. Keys are validated against
their provider before storage, encrypted with a per-record data key wrapped by a
master key, and only decrypted when requested for use.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (env: KEYVAULT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "", "owner the keys belong to (env: KEYVAULT_OWNER, default: local)")

	rootCmd.AddCommand(serveCmd, keysCmd, healthCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
