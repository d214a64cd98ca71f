package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"gorent/config"
	"gorent/driver"
	"gorent/logging"
	"gorent/torrent"
	"gorent/tracker"
)

func main() {
	var (
		filePath   = flag.String("file", "", "path to a .torrent metainfo file")
		savePath   = flag.String("path", "", "directory to save downloaded data under")
		logLevel   = flag.String("log", "", "log level: debug, info, warn, error")
		configPath = flag.String("config", "", "optional YAML config file; CLI flags override it")
		port       = flag.Uint("port", 6881, "local port advertised to trackers")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "gorent:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *filePath != "" {
		cfg.FilePath = *filePath
	}
	if *savePath != "" {
		cfg.SavePath = *savePath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "gorent:", err)
		flag.Usage()
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)

	t, err := loadTorrent(cfg.FilePath)
	if err != nil {
		log.WithError(err).Fatal("failed to load torrent")
	}
	log.WithFields(map[string]interface{}{
		"name":      t.Name,
		"pieces":    len(t.PieceOrder),
		"trackers":  len(t.AnnounceURLs),
		"info_hash": fmt.Sprintf("%x", t.InfoHash),
	}).Info("torrent loaded")

	t.Trackers = buildTrackers(t.AnnounceURLs, log)
	if len(t.Trackers) == 0 {
		log.Fatal("no usable tracker announce-url found in metainfo")
	}

	if err := t.PreloadPieceCache(cfg.SavePath); err != nil {
		log.WithError(err).Fatal("failed to preload piece cache")
	}
	if t.Complete() {
		log.Info("all pieces already cached; reconstructing and exiting")
		if err := t.Reconstruct(cfg.SavePath); err != nil {
			log.WithError(err).Fatal("failed to reconstruct already-complete torrent")
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := driver.New(t, cfg.SavePath, uint16(*port), log)
	if err := d.Run(ctx); err != nil {
		log.WithError(err).Fatal("download did not complete")
	}
}

// loadTorrent accepts either a local path or an http(s) URL to a
// metainfo file.
func loadTorrent(filePath string) (*torrent.Torrent, error) {
	if u, err := url.Parse(filePath); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return torrent.LoadURL(filePath)
	}
	return torrent.LoadPath(filePath)
}

// buildTrackers constructs a Tracker implementation per announce URL,
// selecting HTTP or UDP by scheme and skipping (with a warning) any
// scheme this client doesn't support.
func buildTrackers(announceURLs []string, log *logrus.Logger) []tracker.Tracker {
	var trackers []tracker.Tracker
	for _, raw := range announceURLs {
		u, err := url.Parse(raw)
		if err != nil {
			log.WithError(err).WithField("url", raw).Warn("skipping unparseable announce url")
			continue
		}
		switch u.Scheme {
		case "http", "https":
			ht, err := tracker.NewHTTP(raw)
			if err != nil {
				log.WithError(err).WithField("url", raw).Warn("skipping tracker")
				continue
			}
			trackers = append(trackers, ht)
		case "udp":
			ut, err := tracker.NewUDP(raw)
			if err != nil {
				log.WithError(err).WithField("url", raw).Warn("skipping tracker")
				continue
			}
			trackers = append(trackers, ut)
		default:
			log.WithField("url", raw).Warn("unsupported tracker scheme, skipping")
		}
	}
	return trackers
}
