package main

import "github.com/nanoframework/nf-debug-bridge/cmd"

func main() {
	cmd.Execute()
}
