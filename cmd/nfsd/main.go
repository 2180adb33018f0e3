// Command nfsd is the user-space NFSv3/NFSv4 server.
package main

import (
	"fmt"
	"os"

	"github.com/driftfs/nfsd/cmd/nfsd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
