// Command storyloom runs the narrative engine.
//
// Usage:
//
//	storyloom serve --config config.yaml
//	storyloom autoplay --opening "我睜開眼睛" --max-turns 30
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/storyloom/storyloom/pkg/autoplay"
	"github.com/storyloom/storyloom/pkg/config"
	"github.com/storyloom/storyloom/pkg/engine"
	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/logger"
	"github.com/storyloom/storyloom/pkg/server"
	"github.com/storyloom/storyloom/pkg/storage"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Autoplay AutoplayCmd `cmd:"" help:"Run a story autonomously with an LLM player."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("storyloom version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host     string `help:"Bind address."`
	Port     int    `help:"Port to listen on." default:"0"`
	Provider string `help:"LLM provider (anthropic, openai, mock)."`
	Model    string `help:"Model name."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(cli, c.Provider, c.Model)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	eng, provider, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer provider.Close()

	if _, err := eng.Init(); err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(eng, addr)
	return srv.ListenAndServe(ctx)
}

// AutoplayCmd runs the autonomous driver.
type AutoplayCmd struct {
	StoryID      string `name:"story-id" help:"Story to play." default:"default"`
	BranchID     string `name:"branch-id" help:"Branch to resume (with --resume)."`
	Resume       bool   `help:"Resume a previous run on --branch-id."`
	ParentBranch string `name:"parent-branch" help:"Fork parent when --no-blank is set."`
	BranchPoint  int    `name:"branch-point" help:"Fork point index when --no-blank is set." default:"-1"`
	NoBlank      bool   `name:"no-blank" help:"Fork from an existing branch instead of starting blank."`

	Character   string `help:"Path to a character state JSON file." type:"path"`
	Personality string `help:"Player persona description."`
	Opening     string `help:"First player action."`

	MaxTurns    int           `name:"max-turns" help:"Stop after this many turns." default:"50"`
	MaxDungeons int           `name:"max-dungeons" help:"Stop after this many dungeon runs." default:"0"`
	MaxHubTurns int           `name:"max-hub-turns" help:"Stop after this many consecutive hub turns." default:"0"`
	TurnDelay   time.Duration `name:"turn-delay" help:"Pause between turns." default:"0s"`
	MaxErrors   int           `name:"max-errors" help:"Stop after this many consecutive failed turns." default:"5"`

	WithImages  bool   `name:"with-images" help:"Generate scene images when the GM emits image prompts."`
	Provider    string `help:"LLM provider (anthropic, openai, mock)."`
	NoWebSearch bool   `name:"no-web-search" help:"Disable provider-side web search."`

	StopFile string `name:"stop-file" help:"Halt between turns when this file appears."`
}

func (c *AutoplayCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig(cli, c.Provider, "")
	if err != nil {
		return err
	}
	if c.NoWebSearch {
		cfg.Provider.WebSearch = false
	}

	eng, provider, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer provider.Close()

	if _, err := eng.Init(); err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}

	if c.WithImages {
		slog.Warn("no image generation backend configured, --with-images has no effect")
	}

	stopFile := c.StopFile
	if stopFile == "" {
		stopFile = filepath.Join(cfg.Storage.DataDir, "autoplay.stop")
	}

	driver := autoplay.New(eng, autoplay.Options{
		StoryID:       c.StoryID,
		BranchID:      c.BranchID,
		Resume:        c.Resume,
		ParentBranch:  c.ParentBranch,
		BranchPoint:   c.BranchPoint,
		NoBlank:       c.NoBlank,
		CharacterPath: c.Character,
		Personality:   c.Personality,
		Opening:       c.Opening,
		MaxTurns:      c.MaxTurns,
		MaxDungeons:   c.MaxDungeons,
		MaxHubTurns:   c.MaxHubTurns,
		TurnDelay:     c.TurnDelay,
		MaxErrors:     c.MaxErrors,
		StopFile:      stopFile,
	})
	return driver.Run(ctx)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()
	return ctx, cancel
}

// loadConfig reads the config file and applies CLI overrides.
func loadConfig(cli *CLI, providerOverride, modelOverride string) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if providerOverride != "" {
		cfg.Provider.Type = llm.ProviderType(providerOverride)
	}
	if modelOverride != "" {
		cfg.Provider.Model = modelOverride
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, llm.Provider, error) {
	provider, err := llm.NewProvider(cfg.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create provider: %w", err)
	}

	layout := storage.NewLayout(cfg.Storage.DataDir, cfg.Storage.DesignDir)
	eng := engine.New(ctx, engine.Options{
		Layout:     layout,
		Provider:   provider,
		ReviewMode: cfg.StateReviewMode,
	})
	return eng, provider, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("storyloom"),
		kong.Description("storyloom - branching LLM narrative engine"),
		kong.UsageOnError(),
	)

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	level := cli.LogLevel
	if level == "" {
		level = "info"
	}
	logger.Init(logger.ParseLevel(level), output, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
