// Command skytest runs Starlark tests, loading typed modules through the
// transform and coverage pipeline.
package main

import (
	"os"

	"github.com/albertocavalcante/skykit/internal/cmd/skytest"
)

func main() {
	os.Exit(skytest.Run(os.Args[1:]))
}
