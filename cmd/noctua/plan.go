package main

import (
	"context"
	"fmt"
	"os"

	"github.com/noctua-obs/noctua/internal/config"
	"github.com/noctua-obs/noctua/internal/nightsched"
	"github.com/noctua-obs/noctua/internal/sequence"
	"github.com/noctua-obs/noctua/internal/source"
	"github.com/noctua-obs/noctua/internal/task"
)

// planOutput is what the plan command prints
type planOutput struct {
	Night    bool               `json:"night"`
	Task     *task.Task         `json:"task"`
	Sequence *sequence.Sequence `json:"sequence"`
}

// Plan dry-runs the nightly pipeline: login, fetch the next pending task,
// render its sequence. Nothing is launched and the task stays pending on
// the store.
func (c *command) Plan(f PlanFlags, args []string) error {
	configPath := f.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	if configPath == "" {
		return fmt.Errorf("config file required for plan command. Use --config=config.toml or provide as argument")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	ctx := context.Background()
	src := source.New(cfg.SourceConfig())
	if err := src.Login(ctx); err != nil {
		return fmt.Errorf("task store login: %w", err)
	}

	t, err := src.FetchNext(ctx)
	if err != nil {
		return fmt.Errorf("fetch next task: %w", err)
	}
	if t == nil {
		fmt.Println("Night plan has no pending tasks for this scope.")
		return nil
	}

	// The render needs the sequence dir even on a dry run
	if err := os.MkdirAll(cfg.Imaging.SequenceDir, 0o750); err != nil {
		return fmt.Errorf("failed to create sequence dir: %w", err)
	}

	builder := sequence.NewBuilder(cfg.SequenceConfig())
	seq, err := builder.Build(t)
	if err != nil {
		return fmt.Errorf("build sequence: %w", err)
	}

	night := nightsched.New(cfg.NightConfig())

	printJSON(planOutput{
		Night:    night.IsNightNow(),
		Task:     t,
		Sequence: seq,
	})

	if f.Keep {
		fmt.Printf("Sequence kept at %s\n", seq.Path)
		return nil
	}
	return builder.Discard(seq)
}
