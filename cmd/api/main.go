package main

import "ledger-voting/cmd/api/cmd"

func main() {
	cmd.Execute()
}
