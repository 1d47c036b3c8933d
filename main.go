package main

import "github.com/sergev/fluxdecode/cmd"

func main() {
	cmd.Execute()
}
