// escrowctl drives a running escrow API from the command line. Each
// subcommand maps onto one endpoint; responses are printed as indented JSON.
//
//	escrowctl [--url URL] [--token TOKEN] <command> [flags]
//
// ESCROW_URL and ESCROW_TOKEN supply the global flags when they are unset.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/pflag"
)

const defaultURL = "http://localhost:8080"

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, stdout io.Writer) error {
	var baseURL, token string

	flagSet := pflag.NewFlagSet("escrowctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&baseURL, "url", "", "API base URL (env ESCROW_URL, default "+defaultURL+")")
	flagSet.StringVar(&token, "token", "", "bearer token from `escrowctl login` (env ESCROW_TOKEN)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printUsage(stdout, flagSet)
		return nil
	}

	if baseURL == "" {
		baseURL = getenv("ESCROW_URL")
	}
	if baseURL == "" {
		baseURL = defaultURL
	}
	if token == "" {
		token = getenv("ESCROW_TOKEN")
	}

	name := flagSet.Arg(0)
	cmd, ok := commands()[name]
	if !ok {
		return fmt.Errorf("unknown command %q (run escrowctl --help)", name)
	}

	sub := pflag.NewFlagSet(name, pflag.ContinueOnError)
	sub.SetOutput(io.Discard)
	exec := cmd.bind(sub)
	if err := sub.Parse(flagSet.Args()[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(stdout, "%s: %s\n\n%s", name, cmd.summary, sub.FlagUsages())
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return exec(newClient(baseURL, token, stdout))
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: escrowctl [flags] <command> [command flags]\n\nFlags:\n%s\nCommands:\n", flagSet.FlagUsages())
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	width := 0
	for _, name := range names {
		width = max(width, len(name))
	}
	for _, name := range names {
		fmt.Fprintf(w, "  %-*s  %s\n", width, name, cmds[name].summary)
	}
}
