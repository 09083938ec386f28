package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxdrive/flux/internal/client"
	"github.com/fluxdrive/flux/internal/logger"
)

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "list your friends",
	Long:  `lists your friends with their current presence`,
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

		friends, err := hub.Friends(ctx)
		if err != nil {
			log.Fatal(err)
			return
		}

		if len(friends) == 0 {
			fmt.Println("no friends yet, share your connect code")
			return
		}
		for _, f := range friends {
			presence := "offline"
			if f.IsOnline {
				presence = "online"
			}
			fmt.Printf("%s  %s <%s>  %s\n", f.ID, f.Name, f.Email, presence)
		}
	},
}

var addFriendCmd = &cobra.Command{
	Use:   "add-friend code",
	Short: "add a friend by connect code",
	Long:  `resolves a connect code and creates a mutual friendship`,
	Args:  cobra.ExactArgs(1),
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

		friend, err := hub.AddFriend(ctx, args[0])
		if err != nil {
			log.Fatal(err)
			return
		}
		fmt.Printf("added %s <%s> (%s)\n", friend.Name, friend.Email, friend.ID)
	},
}
