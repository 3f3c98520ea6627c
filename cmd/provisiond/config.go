package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/provisiond/internal/config"
	"github.com/mattjoyce/provisiond/internal/doctor"
	"github.com/mattjoyce/provisiond/internal/inventory"
	"github.com/mattjoyce/provisiond/internal/tui/tokenmgr"
)

func runConfigCheck(args []string) int {
	var configPath, role, format string
	var strict, jsonOut bool

	fs := newFlagSet("check")
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&role, "role", config.RoleAll, "Role to validate for: control, executor or all")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, role).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose bool

	fs := newFlagSet("lock")
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVarP(&verbose, "verbose", "v", false, "List every locked file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.Discover(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.LoadUnverified(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	out, err := config.GenerateChecksums(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose {
		for _, f := range config.LockedFiles(cfg) {
			hash, err := config.ComputeBlake3Hash(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to hash %s: %v\n", f, err)
				return 1
			}
			fmt.Printf("  HASH %s: %s\n", f, hash)
		}
	}
	fmt.Printf("Successfully locked configuration: %s\n", out)
	return 0
}

func runConfigToken(args []string) int {
	var scopes string

	fs := newFlagSet("token")
	fs.StringVar(&scopes, "scopes", "", "Comma-separated scopes; omit to pick interactively")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var selected []string
	if scopes != "" {
		for _, s := range strings.Split(scopes, ",") {
			if s = strings.TrimSpace(s); s != "" {
				selected = append(selected, s)
			}
		}
	} else {
		out, err := tea.NewProgram(tokenmgr.New(), tea.WithAltScreen()).Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Scope picker failed: %v\n", err)
			return 1
		}
		m, ok := out.(tokenmgr.Model)
		if !ok {
			return 1
		}
		var done bool
		selected, done = m.Selected()
		if !done {
			fmt.Fprintln(os.Stderr, "Cancelled.")
			return 1
		}
	}

	token, err := tokenmgr.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	snippet, err := tokenmgr.Snippet(token, selected)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid scopes: %v\n", err)
		return 1
	}
	fmt.Println("# Add under api.auth.tokens:")
	fmt.Print(string(snippet))
	return 0
}

func runInventory(args []string) int {
	var cf clientFlags
	var configPath, host string
	var list bool

	fs := newFlagSet("inventory")
	cf.register(fs)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&list, "list", false, "Print the full inventory")
	fs.StringVar(&host, "host", "", "Print the variables of one host")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if list == (host != "") {
		printInventoryHelp(os.Stderr)
		return 1
	}

	if cf.apiURL != "" {
		return runRemoteInventory(cf, list, host)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.Inventory.HostsFile == "" {
		fmt.Fprintln(os.Stderr, "inventory.hosts_file is not configured")
		return 1
	}
	gen := inventory.NewGenerator(
		inventory.FileSource{Path: cfg.Inventory.HostsFile},
		inventory.WithPrivateKeyPath(cfg.Inventory.PrivateKeyPath),
	)

	if list {
		doc, err := gen.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Inventory failed: %v\n", err)
			return 1
		}
		return printJSON(doc)
	}
	vars, ok, err := gen.Host(host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inventory failed: %v\n", err)
		return 1
	}
	if !ok {
		return printJSON(struct{}{})
	}
	return printJSON(vars)
}

func runRemoteInventory(cf clientFlags, list bool, host string) int {
	c := cf.client()
	ctx := context.Background()
	if list {
		raw, err := c.Inventory(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Inventory failed: %v\n", err)
			return 1
		}
		return printJSON(json.RawMessage(raw))
	}
	vars, err := c.InventoryHost(ctx, host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inventory failed: %v\n", err)
		return 1
	}
	if vars == (inventory.HostVars{}) {
		return printJSON(struct{}{})
	}
	return printJSON(vars)
}
