package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/janhrastnik/chip8/internal/hal"
	"github.com/janhrastnik/chip8/internal/term"
	"github.com/janhrastnik/chip8/internal/vm"
	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:           fmt.Sprintf("%s PATH_TO_ROM_FILE", filepath.Base(os.Args[0])),
		Short:         "Run emulator",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
	}

	verbose := cmd.Flags().BoolP("verbose", "v", false, "enable verbose logging")
	terminal := cmd.Flags().BoolP("terminal", "t", false, "render in the terminal instead of an SDL window")

	cmd.RunE = func(_ *cobra.Command, args []string) error {
		loggerOpts := &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}
		if *verbose {
			loggerOpts.Level = slog.LevelDebug
		}

		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, loggerOpts)))

		path := args[0]
		bs, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("unable to load file %q: %w", path, err)
		}

		if len(bs) > vm.MemorySize-int(vm.ProgramStart) {
			return fmt.Errorf("program %q does not fit into memory: %d bytes", path, len(bs))
		}

		var front interface {
			vm.HAL
			Shutdown()
		}

		if *terminal {
			front, err = term.New()
		} else {
			front, err = hal.New()
		}
		if err != nil {
			return fmt.Errorf("unable to initialize front end: %w", err)
		}
		defer front.Shutdown()

		machine := vm.New(bs, vm.DefaultFont)

		for {
			err = machine.Run(front)

			if err == nil || errors.Is(err, vm.ErrQuit) {
				return nil
			}

			if errors.Is(err, vm.ErrReboot) {
				continue
			}

			return err
		}
	}

	cmd.SetArgs(os.Args[1:])
	if err := cmd.Execute(); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}
