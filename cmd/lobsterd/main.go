package main

import "github.com/lobsterlabs/lobsterd/internal/cli"

var version = "0.3.0"

func main() {
	cli.Execute(version)
}
