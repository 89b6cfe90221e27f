// Package cmdtest provides a testscript-based test harness for the skykit
// command-line tools.
//
// It uses txtar format test files to specify input files and expected outputs,
// making it easy to write comprehensive CLI tests.
//
// Example test file (testdata/skytest/pass.txtar):
//
//	# A passing typed test file
//	exec skytest widget_test.tstar
//	stdout 'PASS  widget_test.tstar::test_label'
//
//	-- widget_test.tstar --
//	def test_label() -> None:
//	    assert.eq(1, 1)
package cmdtest

import (
	"os"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	"github.com/albertocavalcante/skykit/internal/cmd/skytest"
	"github.com/albertocavalcante/skykit/internal/cmd/skytranspile"
)

// Run executes the testscript tests in the given directory.
func Run(t *testing.T, dir string) {
	testscript.Run(t, testscript.Params{
		Dir: dir,
		Setup: func(env *testscript.Env) error {
			// Keep config discovery inside the script's work directory.
			env.Setenv("SKY_CONFIG", "")
			return nil
		},
	})
}

// Main is the TestMain function that should be called from test files.
// It sets up the CLI tools as testscript commands.
func Main(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"skytest":      wrapRun(skytest.Run),
		"skytranspile": wrapRun(skytranspile.Run),
	}))
}

// wrapRun wraps a Run(args []string) int function to func() int for testscript.
// The args are taken from os.Args[1:].
func wrapRun(run func(args []string) int) func() int {
	return func() int {
		return run(os.Args[1:])
	}
}
