package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxdrive/flux/internal/client"
	"github.com/fluxdrive/flux/internal/logger"
)

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "show your connect code",
	Long:  `prints the six character code friends use to add you, allocating one on first use`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub, err := client.DialHub(ctx, hubURL, token, log)
		if err != nil {
			log.Fatal(err)
			return
		}
		defer hub.Close()

		code, err := hub.ConnectCode(ctx)
		if err != nil {
			log.Fatal(err)
			return
		}
		fmt.Println(code)
	},
}
