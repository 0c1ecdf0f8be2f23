package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/webcrawl/webcrawl/crawl"
	"github.com/webcrawl/webcrawl/internal/config"
	"github.com/webcrawl/webcrawl/internal/cronsup"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	logrus.Info("webcrawl starting...")

	opts, metricsPath, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logrus.Infof("configuration loaded: seeds=%v depth=%d concurrency=%d", opts.SeedURLs, opts.DepthLimit, opts.GlobalConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var handle *crawl.Handle
	var handleMu sync.Mutex

	forceQuit := make(chan os.Signal, 1)
	signal.Notify(forceQuit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-forceQuit
		sig := <-forceQuit
		logrus.Warnf("received second signal (%v), forcing immediate exit", sig)
		handleMu.Lock()
		h := handle
		handleMu.Unlock()
		if h != nil {
			h.Shutdown()
		}
		os.Exit(1)
	}()

	runOnce := func(runCtx context.Context) error {
		h, err := crawl.New(opts)
		if err != nil {
			return err
		}
		handleMu.Lock()
		handle = h
		handleMu.Unlock()

		var wg sync.WaitGroup
		stopProgress := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					snap := h.Metrics()
					logrus.Infof("fetched=%d failed=%d skipped=%d admitted=%d", snap.PagesFetched, snap.PagesFailed, snap.PagesSkipped, snap.URLsAdmitted)
				case <-stopProgress:
					return
				}
			}
		}()

		err = h.Crawl(runCtx)
		close(stopProgress)
		wg.Wait()

		snap := h.Metrics()
		logrus.Infof("crawl finished: fetched=%d failed=%d skipped=%d", snap.PagesFetched, snap.PagesFailed, snap.PagesSkipped)
		reason := "completed"
		if runCtx.Err() != nil {
			reason = "signal"
		}
		if writeErr := h.WriteMetrics(metricsPath, reason); writeErr != nil {
			logrus.Warnf("failed to write metrics: %v", writeErr)
		}
		return err
	}

	var runErr error
	if opts.CronInterval > 0 {
		logrus.Infof("cron interval configured: %s", opts.CronInterval)
		sup := cronsup.New(opts.CronInterval, runOnce, logrus.WithField("component", "cronsup"))
		runErr = sup.Start(ctx)
	} else {
		runErr = runOnce(ctx)
	}

	if runErr != nil && ctx.Err() == nil {
		logrus.Errorf("crawl run failed: %v", runErr)
		os.Exit(1)
	}
	logrus.Info("shutdown complete, goodbye")
}
