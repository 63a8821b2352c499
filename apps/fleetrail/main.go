package main

import "github.com/fleetrail/fleetrail/internal/cli"

func main() {
	cli.Execute()
}
