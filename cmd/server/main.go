package main

import "fieldcrm/cmd/cli"

func main() {
	cli.Execute()
}
