package main

import "market-digest/internal/cli"

func main() {
	cli.Execute()
}
