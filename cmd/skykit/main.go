// Command skykit dispatches to the skykit tools: "skykit test" runs
// skytest, "skykit transpile" runs skytranspile.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/albertocavalcante/skykit/internal/cmd/skytest"
	"github.com/albertocavalcante/skykit/internal/cmd/skytranspile"
	"github.com/albertocavalcante/skykit/internal/version"
)

// Tool runs one command with the given arguments and returns its exit code.
type Tool func(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int

// tools maps subcommands and their standalone binary names to entrypoints.
var tools = map[string]Tool{
	"test":         skytest.RunWithIO,
	"skytest":      skytest.RunWithIO,
	"transpile":    skytranspile.RunWithIO,
	"skytranspile": skytranspile.RunWithIO,
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(stderr)
		return 0
	}

	switch args[0] {
	case "version":
		writef(stdout, "skykit %s\n", version.String())
		return 0
	case "help":
		printUsage(stderr)
		return 0
	}

	tool, ok := tools[args[0]]
	if !ok {
		writef(stderr, "skykit: unknown command %q (want one of %s)\n", args[0], strings.Join(commandNames(), ", "))
		printUsage(stderr)
		return 2
	}
	return tool(ctx, args[1:], stdin, stdout, stderr)
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help"
}

// commandNames lists the accepted subcommands, sorted.
func commandNames() []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printUsage(w io.Writer) {
	writeln(w, "usage: skykit <command> [args]")
	writeln(w)
	writeln(w, "commands:")
	writeln(w, "  test         run Starlark tests (skytest)")
	writeln(w, "  transpile    print typed Starlark as loaded (skytranspile)")
	writeln(w, "  version      show version")
	writeln(w)
	writeln(w, "run \"skykit <command> -help\" for command flags")
}

// Helper functions for writing output.
// Write errors are intentionally ignored: there is nowhere left to report
// them, and the exit code still reflects the outcome.
func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}
