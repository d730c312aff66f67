// Command docsd runs a document node and offers offline commands on its
// data directory.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "docsd",
		Short: "replicated key-value documents",
		Long: fmt.Sprintf(`docsd (v%s)

A node that stores multi-writer key-value documents, shares them with
tickets and keeps them in sync with its peers over QUIC.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of docsd",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docsd v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	key := "data-dir"
	rootCmd.PersistentFlags().String(key, "data", wrapString("Directory holding the node key, the entries and the content"))
	key = "log-level"
	rootCmd.PersistentFlags().String(key, "info", wrapString("Level at which logs are written (debug, info, warn, error)"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(authorCmd)
	rootCmd.AddCommand(ticketCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig loads env files and maps DOCSD_<FLAG> variables onto flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("docsd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() { // A
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
