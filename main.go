package main

import "mediaforge/cli"

func main() {
	cli.Execute()
}
