package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deadlinenotifier/internal/app"
	"deadlinenotifier/internal/config"
)

func main() {
	var (
		cfgPath string
		envPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./configs/config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with DEADLINE_* overrides")
	flag.BoolVar(&once, "once", false, "run a single scan and exit")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Println("fatal env:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, config.NewConfigManager(cfgPath))
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if once {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		rep, err := a.RunOnce(ctx)
		_ = a.Stop(context.Background(), app.StopRunOnce)
		if err != nil {
			fmt.Println("run failed:", err)
			os.Exit(1)
		}
		fmt.Printf("run %s: matches=%d sent=%d skipped=%d failed=%d\n",
			rep.RunID, rep.Matches, rep.Sent, rep.Skipped, rep.Failed)
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
