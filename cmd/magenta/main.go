package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fjbalvino/magenta/internal/domain"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "magenta",
		Short: "MAGENTA - parallel pipeline runner for metagenome assembly",
		Long: `MAGENTA runs the fetch, download, qc and assembly stages of a
metagenome assembly pipeline. Each stage runs its external tool once per
sample, in parallel, and only hands the samples that passed on to the next
stage. A stage whose success fraction falls below its threshold halts the run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

// exitError carries a process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// exitCode reports err on stderr and maps it to the process exit code
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Printf("[magenta] interrupted: queued tasks are skipped, running tasks finish. Interrupt again to exit now")
		cancel()
		<-sigs
		os.Exit(domain.ExitCancelled)
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	os.Exit(exitCode(err))
}
