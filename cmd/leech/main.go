// Command leech is a minimal BitTorrent v1 leeching client: point it at a
// .torrent file and a download directory and it contacts the torrent's
// trackers, pulls pieces from the swarm, and writes them to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/logging"
	"github.com/prxssh/leech/internal/metainfo"
	"github.com/prxssh/leech/internal/observer"
	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/storage"
	"github.com/prxssh/leech/internal/tracker"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	downloadDir := flag.String("dir", "", "download directory (defaults to the platform download dir)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	setupLogger(*verbose)

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: leech -torrent <file.torrent> [-dir <download dir>]")
		os.Exit(2)
	}

	config.Init()
	if *downloadDir != "" {
		config.Update(func(c *config.Config) { c.DefaultDownloadDir = *downloadDir })
	}

	if err := run(*torrentPath); err != nil {
		slog.Error("leech exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath string) error {
	cfg := config.Load()

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	mi, err := metainfo.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("parse metainfo: %w", err)
	}

	store, err := storage.NewStorage(mi, &storage.Config{DownloadDir: cfg.DefaultDownloadDir}, slog.Default())
	if err != nil {
		return fmt.Errorf("set up storage: %w", err)
	}
	defer store.Close()

	pm := piece.NewManager(mi.Info.PieceLength, mi.TotalLength(), mi.Info.Pieces)
	obs := observer.New(mi.Info.PieceLength, mi.TotalLength(), mi.NumPieces())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	swarm := peer.NewCoordinator(mi.InfoHash, cfg.ClientID, mi.NumPieces(), cfg, pm, store, obs, slog.Default())

	var left uint64
	trk, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		Log: slog.Default(),
		OnAnnounceStart: func() *tracker.AnnounceParams {
			completed, _ := pm.Progress()
			downloaded := int64(completed) * mi.Info.PieceLength
			if remaining := mi.TotalLength() - downloaded; remaining > 0 {
				left = uint64(remaining)
			} else {
				left = 0
			}

			return &tracker.AnnounceParams{
				InfoHash:   mi.InfoHash,
				PeerID:     cfg.ClientID,
				Downloaded: uint64(downloaded),
				Left:       left,
				NumWant:    cfg.NumWant,
				Port:       cfg.Port,
			}
		},
		OnAnnounceSuccess: swarm.AdmitPeers,
	})
	if err != nil {
		return fmt.Errorf("set up tracker: %w", err)
	}

	errc := make(chan error, 2)
	go func() { errc <- trk.Run(ctx) }()
	go func() { errc <- swarm.Run(ctx) }()

	renderProgress(ctx, obs)

	err = <-errc
	cancel()
	<-errc

	if pm.IsComplete() {
		fmt.Println()
		color.Green("download complete: %s", mi.Info.Name)
		return nil
	}
	return err
}

// renderProgress polls the observer once a second and redraws a byte
// progress bar. The UI is a passive reader of counters; it never drives
// the download.
func renderProgress(ctx context.Context, obs *observer.Observer) {
	snap := obs.Snapshot()
	bar := progressbar.NewOptions64(snap.TotalBytes,
		progressbar.OptionSetDescription(color.CyanString("leech")),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(250*time.Millisecond),
		progressbar.OptionSetWriter(os.Stdout),
	)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := obs.Snapshot()
			bar.Describe(fmt.Sprintf("%s %d/%d pieces, %d peers",
				color.CyanString("leech"), s.CompletedPieces, s.TotalPieces, s.ActivePeers))
			_ = bar.Set64(s.DownloadedBytes)
			if s.TotalPieces > 0 && s.CompletedPieces >= s.TotalPieces {
				_ = bar.Finish()
				return
			}
		}
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.ShowSource = true
	}

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}
