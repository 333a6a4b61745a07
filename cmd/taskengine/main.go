package main

import "taskengine/cmd/cli"

func main() {
	cli.Execute()
}
