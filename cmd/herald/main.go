package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"herald/internal/admin"
	"herald/internal/app"
	"herald/internal/config"
	logx "herald/pkg/logx"
	"herald/pkg/systemd"
)

func main() {
	var (
		cfgPath  string
		envFiles string
		subject  string
		tokenTTL time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envFiles, "env", ".env", "comma-separated dotenv files loaded before the config")
	flag.StringVar(&subject, "issue-token", "", "print an admin API token for this operator and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of -issue-token tokens")
	flag.Parse()

	if err := config.LoadDotEnv(strings.Split(envFiles, ",")...); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if subject != "" {
		if err := issueToken(cfgPath, subject, tokenTTL); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	log := a.Logger()
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify READY failed", logx.Err(err))
	}
	if every, err := systemd.WatchdogInterval(); err != nil {
		log.Warn("systemd watchdog lookup failed", logx.Err(err))
	} else if every > 0 {
		go systemd.Watchdog(ctx, every, func() bool { return a.Err() == nil })
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		os.Exit(1)
	}
}

func issueToken(cfgPath, subject string, ttl time.Duration) error {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	tok, err := admin.IssueToken(cfg.Admin.JWTSecret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
