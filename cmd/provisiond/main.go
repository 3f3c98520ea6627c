package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/provisiond/internal/client"
	"github.com/mattjoyce/provisiond/internal/config"
)

const version = "0.1.0"

// Environment variables consulted by the client commands.
const (
	envAPIURL   = "PROVISIOND_API_URL"
	envAPIToken = "PROVISIOND_TOKEN"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := argv[0]
	args := argv[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "task":
		return runTaskNoun(args)
	case "config":
		return runConfigNoun(args)
	case "inventory":
		if hasHelpFlag(args) {
			printInventoryHelp(os.Stdout)
			return 0
		}
		return runInventory(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		fmt.Printf("provisiond version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `provisiond - asynchronous provisioning command broker

Usage:
  provisiond <noun> <action> [flags]

Core Resources (Nouns):
  system     Broker lifecycle
  task       Submit and track provisioning tasks
  config     Configuration validation and integrity
  inventory  Dynamic inventory of provisioned hosts

System Commands:
  system start        Run the broker in the foreground (--role control|executor|all)

Task Commands:
  task submit <cmd>   Submit plan, apply or destroy and print the task id
  task get <id>       Show one task
  task list           List tasks
  task watch [id]     Live view of tasks; follows one task when an id is given

Config Commands:
  config check        Validate configuration, policy and integrity
  config lock         Record BLAKE3 checksums of the config and hosts files
  config token        Generate a scoped API token

Inventory:
  inventory --list        Print the full inventory as JSON
  inventory --host ADDR   Print the variables for one host

General:
  version             Show version information
  help                Show this help message

Use 'provisiond <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp(os.Stdout)
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		printTaskNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTaskNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printTaskNounHelp(os.Stdout)
		return 0
	}

	switch action {
	case "submit":
		return runTaskSubmit(actionArgs)
	case "get":
		return runTaskGet(actionArgs)
	case "list":
		return runTaskList(actionArgs)
	case "watch":
		return runTaskWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "token":
		return runConfigToken(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// --- HELPERS ---

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig resolves and loads the configuration named by --config or discovered.
func loadConfig(flagPath string) (*config.Config, error) {
	path, err := config.Discover(flagPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// clientFlags are shared by every command that talks to a running broker.
type clientFlags struct {
	apiURL string
	token  string
}

func (c *clientFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.apiURL, "api-url", os.Getenv(envAPIURL), "Broker API base URL (env "+envAPIURL+")")
	fs.StringVar(&c.token, "token", os.Getenv(envAPIToken), "Bearer token (env "+envAPIToken+")")
}

func (c *clientFlags) client() *client.Client {
	url := c.apiURL
	if url == "" {
		url = "http://" + config.Defaults().API.Listen
	}
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	return client.New(url, c.token)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// --- HELP ---

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: provisiond system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printSystemStartHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: provisiond system start [--config PATH] [--role control|executor|all]")
	fmt.Fprintln(w, "Run the broker in the foreground until SIGINT or SIGTERM.")
	fmt.Fprintln(w, "  control   dispatcher, collector, watchdog and API")
	fmt.Fprintln(w, "  executor  executors only (bus.mode must be remote)")
	fmt.Fprintln(w, "  all       everything in one process (default)")
}

func printTaskNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: provisiond task <action> [--api-url URL] [--token TOKEN]")
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  submit <plan|apply|destroy> [--target NAME] [--wait] [--json]")
	fmt.Fprintln(w, "  get <task_id> [--json]")
	fmt.Fprintln(w, "  list [--status STATUS] [--json]")
	fmt.Fprintln(w, "  watch [task_id] [--channel NAME]")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: provisiond config <action> [flags]")
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  check [--config PATH] [--role ROLE] [--json] [--strict]")
	fmt.Fprintln(w, "  lock  [--config PATH]")
	fmt.Fprintln(w, "  token [--scopes a,b]")
}

func printInventoryHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: provisiond inventory (--list | --host ADDR) [--config PATH | --api-url URL]")
	fmt.Fprintln(w, "Reads the configured hosts file, or the broker API when --api-url is set.")
}
