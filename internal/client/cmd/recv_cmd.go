package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fluxdrive/flux/internal/client"
	"github.com/fluxdrive/flux/internal/logger"
	"github.com/fluxdrive/flux/internal/transfer"
)

var recvDir string

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "wait for incoming transfers",
	Long:  `accepts incoming transfer offers and writes verified files to the download directory`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
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
		c.ScratchDir = recvDir

		var bar *progressbar.ProgressBar
		c.OnProgress = func(p transfer.Progress) {
			if bar == nil {
				bar = progressbar.DefaultBytes(p.TotalBytes, "receiving")
			}
			_ = bar.Set64(p.BytesTransferred)
		}

		for {
			file, err := c.ReceiveOne(ctx)
			bar = nil
			switch {
			case err == nil:
				fmt.Printf("\nreceived %s -> %s\n", file.Meta.FileName, file.Path)
			case errors.Is(err, context.Canceled) || errors.Is(err, client.ErrHubClosed):
				return
			default:
				log.Warnf("transfer failed: %v", err)
			}
		}
	},
}

func init() {
	recvCmd.Flags().StringVar(&recvDir, "dir", "downloads", "directory for received files")
}
