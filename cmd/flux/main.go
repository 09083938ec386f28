package main

import "github.com/fluxdrive/flux/internal/client/cmd"

func main() {
	cmd.Execute()
}
