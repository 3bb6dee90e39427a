package main

import "github.com/auto3t/auto3t/cmd"

func main() {
	cmd.Execute()
}
