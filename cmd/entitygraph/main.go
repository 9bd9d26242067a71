// Package main provides the entitygraph CLI.
package main

import "github.com/mesh-intelligence/entitygraph/internal/cli"

func main() {
	cli.Execute()
}
