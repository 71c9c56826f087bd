package main

import "github.com/liu-kaining/ThetaMind-sub004/services/worker/cli"

func main() {
	cli.Execute()
}
