package main

import "github.com/meowfeeder/meowfeeder/cmd/feeder-control/cmd"

func main() {
	cmd.Execute()
}
