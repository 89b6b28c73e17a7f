package main

import "github.com/xela07ax/capi-tool-gateway/internal/cli"

func main() {
	cli.Execute()
}
