// Package main provides the gitgate CLI for administering users, teams, and
// repository roles on a gitgate server.
package main

import "github.com/gitgate/gitgate/cmd/gitgate/commands"

func main() {
	commands.Execute(Version)
}
