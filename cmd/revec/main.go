// Command revec manages a temporal vector collection.
package main

import (
	"os"

	"github.com/kilupskalvis/revec/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
