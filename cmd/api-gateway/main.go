package main

import "github.com/liu-kaining/ThetaMind-sub004/services/api-gateway/cli"

func main() {
	cli.Execute()
}
