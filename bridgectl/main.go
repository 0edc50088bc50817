// bridgectl operates the Direct Data bridge: it stages and registers
// feed windows, drains a vault's queue into the warehouse, and provides
// the operator verbs for failure recovery and full-load triggers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/apply"
	"github.com/directdata/bridge/controlplane"
)

// Exit codes of every bridgectl verb.
const (
	exitSuccess      = 0
	exitGeneral      = 1
	exitPrecondition = 2
	exitTransient    = 3
	exitProtocol     = 4
)

func main() {
	// A local .env supplies configuration in development; deployed
	// environments inject real environment variables.
	_ = godotenv.Load()

	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("produce", "Stage and register available feed windows", `
Run one producer tick: list the feed's extract files past the vault
watermark, stage each window into the object store, and register it on
the queue. Failures are absorbed and retried on the next tick.
`, &cmdProduce{})

	_, _ = parser.AddCommand("consume", "Drain the vault queue into the warehouse", `
Acquire the vault lease and apply queued windows in order until the
queue is empty or blocked. With --watch, keep servicing the queue on
change-stream events until signaled to exit.
`, &cmdConsume{})

	_, _ = parser.AddCommand("reset-failed", "Reset a failed window to READY", `
Conditionally transition one FAILED window back to READY, clearing its
last error, so the consumer can retry it.
`, &cmdResetFailed{})

	_, _ = parser.AddCommand("trigger-full", "Switch the vault to a full snapshot load", `
Increment the vault epoch, rewind the watermark to the snapshot
boundary, and reset every later incremental window for replay after the
snapshot lands.
`, &cmdTriggerFull{})

	_, _ = parser.AddCommand("print-config", "Print the effective configuration", `
Print the configuration bridgectl resolves from flags and environment,
as JSON.
`, &cmdPrintConfig{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(exitSuccess)
		}
		log.WithError(err).Error("command failed")
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error onto the verb exit-code contract.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, controlplane.ErrPreconditionFailed),
		errors.Is(err, controlplane.ErrNotFound),
		errors.Is(err, controlplane.ErrLeaseHeld):
		return exitPrecondition
	case controlplane.IsTransient(err):
		return exitTransient
	case errors.Is(err, controlplane.ErrDuplicateChecksum),
		errors.Is(err, apply.ErrMissingObject),
		errors.Is(err, apply.ErrIncompatibleSchemaChange):
		return exitProtocol
	default:
		return exitGeneral
	}
}
