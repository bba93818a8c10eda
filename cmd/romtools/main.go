package main

import "github.com/dogeorg/romtools/cmd/romtools/cmd"

func main() {
	cmd.Execute()
}
