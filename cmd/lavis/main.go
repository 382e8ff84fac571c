// Package main provides the lavis CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/model"
	"github.com/lavisapp/lavis/skills"
)

const version = "0.1.0"

var (
	// Global flags
	provider  string
	port      int
	dataDir   string
	skillsDir string
	verbose   bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "lavis",
		Short: "Desktop assistant backend: screen-aware agent, skills, scheduler",
		Long: `Lavis watches the screen, decides with a vision model, and acts through
the OS: mouse, keyboard, shell. It serves a local HTTP API plus a
websocket push channel for the desktop UI, mounts SKILL.md files as
tools, and runs scheduled tasks on cron triggers.`,
	}

	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "chat provider (openai, anthropic, gemini)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "HTTP port (overrides LAVIS_PORT)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "persistent data directory")
	rootCmd.PersistentFlags().StringVar(&skillsDir, "skills-dir", "", "skills root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(skillsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings applies flag overrides through the environment so the
// config package stays the single parsing path.
func loadSettings() config.Settings {
	if provider != "" {
		os.Setenv("LAVIS_CHAT_PROVIDER", provider)
	}
	if port > 0 {
		os.Setenv("LAVIS_PORT", strconv.Itoa(port))
	}
	if dataDir != "" {
		os.Setenv("LAVIS_DATA_DIR", dataDir)
	}
	if skillsDir != "" {
		os.Setenv("LAVIS_SKILLS_DIR", skillsDir)
	}
	settings := config.MustLoad()
	if verbose {
		settings.Verbose = true
	}
	return settings
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend: HTTP API, push channel, scheduler, skill watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings := loadSettings()
			logger, err := newLogger(settings.Verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			backend, err := buildBackend(settings, logger)
			if err != nil {
				return err
			}
			defer backend.close()

			if err := backend.registry.Reload(ctx); err != nil {
				logger.Warn("initial skill load failed", zap.Error(err))
			}
			go func() {
				if err := backend.registry.Watch(ctx); err != nil && ctx.Err() == nil {
					logger.Error("skill watcher stopped", zap.Error(err))
				}
			}()
			if err := backend.scheduler.Start(ctx); err != nil {
				return err
			}

			return backend.server.Run(ctx)
		},
	}
}

func taskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task [goal]",
		Short: "Run one orchestrated goal from the terminal, with console progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings := loadSettings()
			logger, err := newLogger(settings.Verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			backend, err := buildConsoleBackend(settings, logger)
			if err != nil {
				return err
			}
			defer backend.close()

			if err := backend.registry.Reload(ctx); err != nil {
				logger.Warn("skill load failed", zap.Error(err))
			}

			result, err := backend.orchestrator.Run(ctx, args[0], "")
			if err != nil {
				return err
			}
			fmt.Printf("\n%s: %s\n", result.Status, result.Summary)
			if result.Status != model.PlanCompleted {
				os.Exit(1)
			}
			return nil
		},
	}
}

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect the parsed skill tree without serving",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List parsed skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := offlineRegistry()
			if err != nil {
				return err
			}
			list := registry.List()
			sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
			for _, skill := range list {
				line := skill.ToolName()
				if skill.Description != "" {
					line += "  -  " + skill.Description
				}
				fmt.Println(line)
			}
			fmt.Printf("\n%d skill(s)\n", len(list))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show [name]",
		Short: "Show one skill in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := offlineRegistry()
			if err != nil {
				return err
			}
			skill, ok := registry.Get(args[0])
			if !ok {
				return fmt.Errorf("no such skill: %s", args[0])
			}
			content, err := skill.Render()
			if err != nil {
				return err
			}
			fmt.Print(content)
			return nil
		},
	})
	return cmd
}

// offlineRegistry parses the skill tree with no shell runner and no
// store mirror attached.
func offlineRegistry() (*skills.Registry, error) {
	settings := loadSettings()
	registry := skills.NewRegistry(settings.Paths.SkillsDir, nil, nil, zap.NewNop())
	if err := registry.Reload(context.Background()); err != nil {
		return nil, err
	}
	return registry, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lavis " + version)
		},
	}
}
