package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fluxdrive/flux/internal/client"
	"github.com/fluxdrive/flux/internal/logger"
	"github.com/fluxdrive/flux/internal/transfer"
)

var sendCmd = &cobra.Command{
	Use:   "send file-path friend-id",
	Short: "send a file to a friend",
	Long:  `offers a file to an online friend and streams it over a direct peer link once they accept`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]
		friendID := args[1]
		log := logger.NewLogger()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		hub, err := client.DialHub(ctx, hubURL, token, log)
		if err != nil {
			log.Fatal(err)
			return
		}
		defer hub.Close()

		c := client.New(hub, log)

		var bar *progressbar.ProgressBar
		c.OnProgress = func(p transfer.Progress) {
			if bar == nil {
				bar = progressbar.DefaultBytes(p.TotalBytes, "sending")
			}
			_ = bar.Set64(p.BytesTransferred)
		}

		if err := c.SendFile(ctx, path, friendID); err != nil {
			log.Fatal(err)
			return
		}
		fmt.Println("\ntransfer complete")
	},
}
