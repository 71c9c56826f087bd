package main

import "github.com/liu-kaining/ThetaMind-sub004/services/dispatcher/cli"

func main() {
	cli.Execute()
}
