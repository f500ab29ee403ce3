package setup

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/config"
	"github.com/cryo-specimen-server/internal/domain"
)

// CLI provides command-line interface for setup operations.
type CLI struct {
	config *config.LiteConfig
	out    io.Writer
	logger *logrus.Logger
}

// NewCLI creates a new setup CLI instance.
func NewCLI(cfg *config.LiteConfig, logger *logrus.Logger) *CLI {
	return &CLI{config: cfg, out: os.Stdout, logger: logger}
}

// SetOutput redirects the command output.
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// Run executes the setup command based on the provided arguments.
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return c.showHelp()
	}

	switch args[0] {
	case "status":
		return c.showStatus(ctx)
	case "validate":
		return c.validate()
	case "provision":
		return c.provision(ctx, args[1:])
	case "help", "--help", "-h":
		return c.showHelp()
	default:
		c.printf("Unknown command: %s\n\n", args[0])
		return c.showHelp()
	}
}

func (c *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// showHelp displays usage information.
func (c *CLI) showHelp() error {
	c.printf(`
Cryo Specimen Server Setup

Usage:
  server-lite setup <command> [options]

Commands:
  status          Show data directory, database and provisioned tanks
  validate        Validate the environment configuration
  provision       Create a tank with canisters, goblets and slots

Provision options:
  --name, -n      Tank name (required)
  --canisters     Number of canisters (default 6)
  --goblets       Goblets per canister (default 6)
  --slots         Slots per goblet (default 10)

Examples:
  server-lite setup provision --name "Tank A" --canisters 4 --slots 12
  server-lite setup status
`)
	return nil
}

// showStatus displays the current installation status.
func (c *CLI) showStatus(ctx context.Context) error {
	status, err := GetStatus(ctx, c.config, c.logger)
	if err != nil {
		return err
	}

	c.printf("Cryo Specimen Server Status\n")
	c.printf("===========================\n\n")
	c.printf("Listen address: %s\n\n", status.Address)

	c.printf("Data Directory:\n")
	c.printf("  Path: %s\n", status.DataDir)
	if status.DataDirExists {
		c.printf("  Status: ✓ Exists\n")
	} else {
		c.printf("  Status: - Will be created on first run\n")
	}
	c.printf("\nDatabase:\n")
	c.printf("  Path: %s\n", status.DatabasePath)
	if status.DatabaseExists {
		c.printf("  Status: ✓ Present\n")
	} else {
		c.printf("  Status: - Not created yet\n")
	}

	if len(status.Tanks) > 0 {
		c.printf("\nTanks:\n")
		for _, tank := range status.Tanks {
			c.printf("  - %s\n", tank)
		}
	}

	if len(status.Issues) > 0 {
		c.printf("\nIssues:\n")
		for _, issue := range status.Issues {
			c.printf("  ⚠ %s\n", issue)
		}
	}
	c.printf("\n")
	return nil
}

// validate checks the current configuration.
func (c *CLI) validate() error {
	c.printf("Validating configuration...\n\n")

	valid, issues := Validate(c.config)
	if valid {
		c.printf("✓ Configuration is valid!\n")
	} else {
		c.printf("✗ Configuration has issues:\n")
	}
	for _, issue := range issues {
		c.printf("  - %s\n", issue)
	}
	if !valid {
		return fmt.Errorf("configuration has %d issue(s)", len(issues))
	}
	return nil
}

// provision creates a tank hierarchy from command-line options.
func (c *CLI) provision(ctx context.Context, args []string) error {
	layout := domain.TankLayout{Canisters: 6, GobletsPerCanister: 6, SlotsPerGoblet: 10}

	for i := 0; i < len(args); i += 2 {
		option := args[i]
		if i+1 >= len(args) {
			return fmt.Errorf("missing value for %s", option)
		}
		value := args[i+1]

		var target *int
		switch option {
		case "--name", "-n":
			layout.Name = value
			continue
		case "--canisters":
			target = &layout.Canisters
		case "--goblets":
			target = &layout.GobletsPerCanister
		case "--slots":
			target = &layout.SlotsPerGoblet
		default:
			return fmt.Errorf("unknown option: %s", option)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %s", option, value)
		}
		*target = n
	}

	tank, err := ProvisionTank(ctx, c.config, layout, c.logger)
	if err != nil {
		return fmt.Errorf("failed to provision tank: %w", err)
	}

	slots := layout.Canisters * layout.GobletsPerCanister * layout.SlotsPerGoblet
	c.printf("✓ Provisioned %s (%s) with %d slots\n", tank.Name, tank.ID, slots)
	return nil
}
