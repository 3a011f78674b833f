package main

import (
	"os"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/cmd/ironca/cmd"
)

func main() {
	code := cmd.Execute()
	// Wipe any unsealed key material before leaving.
	memguard.Purge()
	os.Exit(code)
}
