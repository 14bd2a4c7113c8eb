package main

import "github.com/ambiyansyah-risyal/gerbang/internal/cli"

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cli.SetVersion(version, buildTime, gitCommit)
	cli.Execute()
}
