package main

import "github.com/liu-kaining/ThetaMind-sub004/services/scheduler/cli"

func main() {
	cli.Execute()
}
