package main

import "github.com/loomrelay/loomrelay/cmd"

func main() {
	cmd.Execute()
}
