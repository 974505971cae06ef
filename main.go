package main

import "github.com/dhcgn/mail-ingest/cmd"

func main() {
	cmd.Execute()
}
