package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"media-forensics-telemetry/internal/config"
	"media-forensics-telemetry/internal/pkg/logger"
	"media-forensics-telemetry/internal/session"
	"media-forensics-telemetry/pkg/connection"
	"media-forensics-telemetry/pkg/events"
	"media-forensics-telemetry/pkg/feed"
	pktNats "media-forensics-telemetry/pkg/nats"
	"media-forensics-telemetry/pkg/risk"
	"media-forensics-telemetry/pkg/transport/wsclient"

	"github.com/fatih/color"
)

// watcher prints what changed between two snapshots. It only runs on the session loop.
type watcher struct {
	state   connection.State
	seen    map[string]bool
	percent map[events.Stage]float64
}

func (w *watcher) update(snap session.Snapshot) {
	if snap.State != w.state {
		w.state = snap.State
		printState(snap)
	}

	for _, st := range events.Stages {
		rec := snap.PerStage[st]
		if rec.Percent != w.percent[st] {
			w.percent[st] = rec.Percent
			fmt.Printf("  %-9s %5.1f%%  %-9s overall %5.1f%%\n", st, rec.Percent, rec.Status, snap.OverallPercent)
		}
	}

	// Newest first; print oldest unseen first.
	for i := len(snap.Notifications) - 1; i >= 0; i-- {
		n := snap.Notifications[i]
		if w.seen[n.ID] {
			continue
		}
		w.seen[n.ID] = true
		printNotification(n)
	}
}

func printState(snap session.Snapshot) {
	line := fmt.Sprintf("[%s]", snap.State)
	if snap.Advisory != nil {
		line += " " + snap.Advisory.Message
	}
	switch snap.State {
	case connection.StateConnected:
		color.Green("%s", line)
	case connection.StateFailed:
		color.Red("%s", line)
	default:
		color.Yellow("%s", line)
	}
}

func printNotification(n feed.Notification) {
	line := fmt.Sprintf("• %s: %s", n.Title, n.Message)
	switch n.Kind {
	case feed.KindSuccess:
		color.Green("%s", line)
	case feed.KindWarning:
		color.Yellow("%s", line)
	case feed.KindError:
		color.Red("%s", line)
	default:
		color.Cyan("%s", line)
	}
}

func printRisk(v risk.View) {
	paint := color.New(color.FgGreen, color.Bold)
	switch v.Level {
	case risk.LevelMedium:
		paint = color.New(color.FgYellow, color.Bold)
	case risk.LevelHigh:
		paint = color.New(color.FgRed)
	case risk.LevelCritical:
		paint = color.New(color.FgRed, color.Bold)
	}
	paint.Printf("\nRISK %s (fused %.1f)\n", v.Level, v.FusedScore)
	fmt.Printf("  voice %.1f  video %.1f  document %.1f  liveness %.1f  scam %.1f\n",
		v.VoiceScore, v.VideoScore, v.DocumentScore, v.LivenessScore, v.ScamScore)
	fmt.Println("  " + v.Narrative)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: telemetry-watch <session_id>")
		os.Exit(2)
	}
	sessionID := os.Args[1]

	cfg := config.Load()

	var transport connection.Transport
	closeTransport := func() {}
	if cfg.Analysis.Transport == "nats" {
		sub, err := pktNats.NewSubscriber(cfg.App.NatsURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		closeTransport = sub.Close
		transport = sub
	} else {
		transport = wsclient.New(cfg.Analysis.WebsocketURL, cfg.Analysis.Token, logger.NewNopLogger())
	}

	manager := connection.NewManager(transport, connection.Policy{
		BaseDelay:  cfg.Reconnect.BaseDelay,
		MaxDelay:   cfg.Reconnect.MaxDelay,
		Jitter:     cfg.Reconnect.Jitter,
		MaxRetries: uint64(cfg.Reconnect.MaxRetries),
	}, logger.NewNopLogger())

	w := &watcher{seen: map[string]bool{}, percent: map[events.Stage]float64{}}
	done := make(chan int, 1)

	color.Cyan("Watching analysis %s via %s\n", sessionID, cfg.Analysis.Transport)
	sess, err := session.Open(manager, session.Options{
		SessionID:        sessionID,
		MaxNotifications: cfg.Feed.MaxNotifications,
		AutoClose:        -1,
		OnUpdate:         w.update,
		OnComplete: func(v *risk.View) {
			if v == nil {
				color.Green("\nAnalysis complete, no scores reported")
			} else {
				printRisk(*v)
			}
			done <- 0
		},
		OnError: func(msg string) {
			color.Red("\nAnalysis failed: %s", msg)
			done <- 1
		},
	}, logger.NewNopLogger())
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case code = <-done:
	case <-quit:
		code = 130
	}
	sess.Close()
	closeTransport()
	os.Exit(code)
}
