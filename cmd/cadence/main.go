package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/beepout"
	"github.com/zsiec/cadence/ffmpeg"
	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/player"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <file-or-url>\n", os.Args[0])
		os.Exit(2)
	}
	input := os.Args[1]

	cfg := player.DefaultConfig()
	cfg.Log = slog.Default()
	cfg.AutoExit = envBool("AUTO_EXIT", true)
	cfg.Muted = envBool("MUTE", false)
	cfg.LoopForever = envBool("LOOP_FOREVER", false)
	cfg.Loop = envInt("LOOP", 1)
	cfg.Volume = envInt("VOLUME", player.MaxVolume)
	cfg.StartTime = int64(envFloat("START_SECONDS", 0) * 1e6)
	cfg.PlayDuration = int64(envFloat("PLAY_SECONDS", 0) * 1e6)
	switch envOr("SYNC", "audio") {
	case "video":
		cfg.Sync = player.SyncVideoMaster
	case "external":
		cfg.Sync = player.SyncExternalClock
	default:
		cfg.Sync = player.SyncAudioMaster
	}
	switch envOr("FRAMEDROP", "auto") {
	case "never":
		cfg.FrameDrop = player.FrameDropNever
	case "always":
		cfg.FrameDrop = player.FrameDropAlways
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	src, err := ffmpeg.Open(input)
	if err != nil {
		slog.Error("failed to open input", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	slog.Info("cadence starting",
		"version", version,
		"input", input,
		"sync", cfg.Sync.String(),
		"duration_s", float64(src.TotalDuration())/1e6,
	)

	p, err := player.New(src, &logSink{log: slog.Default()}, beepout.New(), src, cfg)
	if err != nil {
		slog.Error("failed to create player", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(ctx)
	})
	g.Go(func() error {
		p.RefreshLoop(ctx)
		cancel()
		return nil
	})
	g.Go(func() error {
		reportStats(ctx, p)
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("playback failed", "error", err)
		os.Exit(1)
	}
	p.Stop()
	slog.Info("playback finished")
}

// logSink is a headless video sink: frames are consumed at presentation
// time but only surfaced through debug logs.
type logSink struct {
	log *slog.Logger
}

func (s *logSink) Display(f *media.VideoFrame, sub *media.SubtitleFrame) error {
	s.log.Debug("frame",
		"pts", f.PTS,
		"size", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"subtitle", sub != nil,
	)
	return nil
}

func reportStats(ctx context.Context, p *player.Player) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st := p.GetStats()
		clock := st.MasterClock
		if math.IsNaN(clock) {
			continue
		}
		slog.Info("status",
			"clock", fmt.Sprintf("%.2f", clock),
			"av_diff", fmt.Sprintf("%.3f", st.AudioClock-st.VideoClock),
			"displayed", st.FramesDisplayed,
			"dropped_early", st.FramesDroppedEarly,
			"dropped_late", st.FramesDroppedLate,
			"vq_kb", st.VideoQueueBytes/1024,
			"aq_kb", st.AudioQueueBytes/1024,
		)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
