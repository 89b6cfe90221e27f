// Command skytranspile prints the standard Starlark a typed module turns
// into when it is loaded.
package main

import (
	"os"

	"github.com/albertocavalcante/skykit/internal/cmd/skytranspile"
)

func main() {
	os.Exit(skytranspile.Run(os.Args[1:]))
}
