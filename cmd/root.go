package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "harbor-seal",
	Short: "Namespace-scoped document question answering service",
	Long: `harbor-seal stores documents per namespace, indexes their text as
embedding vectors and answers questions grounded on the indexed content.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
