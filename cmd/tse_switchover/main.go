// tse_switchover is the operator utility for taking a failed signing device
// out of rotation: it disables the device record and unassigns its tills so
// another TSE can pick them up. The device itself is assumed unreachable; no
// register/deregister calls are made.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"tse-signature-mux/config"
	"tse-signature-mux/internal/db"
	"tse-signature-mux/internal/model"
	"tse-signature-mux/internal/store"
)

func main() {
	configPath := flag.String("c", "./config/config.yaml", "path to the config file")
	tseName := flag.String("tse", "", "name of the target TSE")
	show := flag.Bool("show", false, "show the device and its tills, change nothing")
	disable := flag.Bool("disable", false, "disable the device and unassign its tills")
	fail := flag.Bool("fail", false, "mark an active device as failed first")
	force := flag.Bool("force", false, "disable regardless of the current status")
	yes := flag.Bool("yes", false, "do not ask for confirmation")
	flag.Parse()

	logger := log.New(os.Stderr, "tse_switchover ", log.LstdFlags)

	if *tseName == "" {
		logger.Fatalf("--tse is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", *configPath, err)
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	st := store.NewGormStore(gormDB)
	ctx := context.Background()

	rec, err := st.GetTSEByName(ctx, *tseName)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	if *show || (!*disable && !*fail) {
		printDevice(ctx, st, rec)
		return
	}

	if *fail {
		if rec.Status != model.TSEStatusActive {
			logger.Fatalf("tse %q is in status %q, only active devices can be marked failed", rec.Name, rec.Status)
		}
		if !confirm(*yes, fmt.Sprintf("mark tse %q as failed?", rec.Name)) {
			logger.Fatalf("aborted")
		}
		if err := st.MarkTSEFailed(ctx, rec.Name); err != nil {
			logger.Fatalf("%v", err)
		}
		fmt.Printf("tse %q is now failed\n", rec.Name)
		rec.Status = model.TSEStatusFailed
	}

	if !*disable {
		return
	}

	// Step 1: disable. Idempotent; only succeeds from failed unless forced.
	if rec.Status != model.TSEStatusDisabled {
		if !confirm(*yes, fmt.Sprintf("disable tse %q (current status %q)?", rec.Name, rec.Status)) {
			logger.Fatalf("aborted")
		}
		if err := st.DisableTSE(ctx, rec.Name, *force); err != nil {
			logger.Fatalf("%v", err)
		}
		fmt.Printf("tse %q is now disabled\n", rec.Name)
	} else {
		fmt.Printf("tse %q is already disabled\n", rec.Name)
	}

	// Step 2: unassign its tills so the processor can reassign them.
	if !confirm(*yes, fmt.Sprintf("unassign all tills of tse %q?", rec.Name)) {
		logger.Fatalf("aborted")
	}
	n, err := st.UnassignTills(ctx, rec.ID)
	if err != nil {
		logger.Fatalf("failed to unassign tills: %v", err)
	}
	fmt.Printf("unassigned %d till(s)\n", n)

	// Step 3: verify nothing still points at the device.
	remaining, err := st.CountTillsForTSE(ctx, rec.ID)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if remaining > 0 {
		logger.Fatalf("%d till(s) still point at tse %q, switchover incomplete", remaining, rec.Name)
	}
	fmt.Println("switchover complete")
}

func printDevice(ctx context.Context, st store.Store, rec *model.TSE) {
	fmt.Printf("tse:     %s (id %d)\n", rec.Name, rec.ID)
	fmt.Printf("status:  %s\n", rec.Status)
	fmt.Printf("serial:  %s\n", rec.Serial)

	tills, err := st.TillNamesForTSE(ctx, rec.ID)
	if err != nil {
		fmt.Printf("tills:   (error: %v)\n", err)
		return
	}
	fmt.Printf("tills:   %d\n", len(tills))
	for _, name := range tills {
		fmt.Printf("  - %s\n", name)
	}

	pending, err := st.PendingCount(ctx, rec.ID)
	if err == nil {
		fmt.Printf("pending: %d\n", pending)
	}
}

func confirm(yes bool, prompt string) bool {
	if yes {
		return true
	}
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
