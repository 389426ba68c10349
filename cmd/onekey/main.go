package main

import "github.com/byu-ilab/onekey/cmd/onekey/cmd"

func main() {
	cmd.Execute()
}
