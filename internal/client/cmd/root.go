package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	hubURL string
	token  string
)

var rootCmd = &cobra.Command{
	Use:  `flux`,
	Long: `flux is the native peer for the Flux cloud-storage network: it signs in to the signaling hub, manages connect codes and friends, and transfers files directly between peers`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "ws://localhost:8924", "signaling hub base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("FLUX_TOKEN"), "bearer token for the hub")

	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(friendsCmd)
	rootCmd.AddCommand(addFriendCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recvCmd)
}
