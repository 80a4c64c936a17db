package main

import "ffbot/cmd"

func main() {
	cmd.Execute()
}
