// Package setup provides setup and maintenance utilities for the single-node server.
package setup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/config"
	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/repository"
	"github.com/cryo-specimen-server/internal/service"
)

// Status represents the current state of a single-node installation.
type Status struct {
	DataDir        string
	DataDirExists  bool
	DatabasePath   string
	DatabaseExists bool
	Address        string
	Tanks          []string
	Issues         []string
}

// GetStatus inspects the data directory and, when present, the database.
func GetStatus(ctx context.Context, cfg *config.LiteConfig, logger *logrus.Logger) (*Status, error) {
	status := &Status{
		DataDir:      cfg.DataDir,
		DatabasePath: cfg.DBPath(),
		Address:      fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Issues:       []string{},
	}

	if _, err := os.Stat(cfg.DataDir); err == nil {
		status.DataDirExists = true
	}
	if _, err := os.Stat(status.DatabasePath); err != nil {
		return status, nil
	}
	status.DatabaseExists = true

	store, err := repository.NewSQLiteStore(status.DatabasePath, logger)
	if err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("Could not open database: %v", err))
		return status, nil
	}
	defer store.Close()

	roots, err := store.GetRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tanks: %w", err)
	}
	for _, tank := range roots {
		status.Tanks = append(status.Tanks, fmt.Sprintf("%s (%d samples)", tank.Name, tank.SampleCount))
	}
	if len(status.Tanks) == 0 {
		status.Issues = append(status.Issues, "No storage tanks provisioned yet")
	}
	return status, nil
}

// Validate checks the lite configuration without starting the server.
func Validate(cfg *config.LiteConfig) (bool, []string) {
	var issues []string

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		issues = append(issues, fmt.Sprintf("HTTP port out of range: %d", cfg.HTTPPort))
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		issues = append(issues, fmt.Sprintf("Unknown log level: %s", cfg.LogLevel))
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		issues = append(issues, fmt.Sprintf("Unknown log format: %s", cfg.LogFormat))
	}
	if cfg.RefreshSpec != "" {
		if _, err := cron.ParseStandard(cfg.RefreshSpec); err != nil {
			issues = append(issues, fmt.Sprintf("Invalid refresh schedule %q: %v", cfg.RefreshSpec, err))
		}
	}
	for _, dir := range []struct{ name, raw string }{
		{"users", cfg.UsersURL},
		{"patients", cfg.PatientsURL},
	} {
		if dir.raw == "" {
			continue
		}
		if u, err := url.Parse(dir.raw); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, fmt.Sprintf("Invalid %s directory URL: %s", dir.name, dir.raw))
		}
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		// Not a critical error - will be created on first run
		issues = append(issues, fmt.Sprintf("Data directory will be created on first run: %s", cfg.DataDir))
	}

	return len(issues) == 0 || allWarnings(issues), issues
}

// allWarnings returns true if all issues are just warnings (not errors).
func allWarnings(issues []string) bool {
	for _, issue := range issues {
		if !strings.Contains(issue, "will be created") {
			return false
		}
	}
	return true
}

// ProvisionTank creates a tank hierarchy directly in the lite database.
func ProvisionTank(ctx context.Context, cfg *config.LiteConfig, layout domain.TankLayout, logger *logrus.Logger) (*domain.CryoLocationNode, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := repository.NewSQLiteStore(cfg.DBPath(), logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	tree := service.NewLocationTree(store, nil, logger)
	return service.NewLocationProvisioner(store, tree, logger).ProvisionTank(ctx, layout)
}
