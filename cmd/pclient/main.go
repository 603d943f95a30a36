package main

import "pserver/cmd/pclient/command"

func main() {
	command.Execute()
}
