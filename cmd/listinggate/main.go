package main

import "listing-gate/internal/cli"

func main() {
	cli.Execute()
}
