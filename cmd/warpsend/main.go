// Command warpsend is a demo sender CLI: it builds a manifest from a file
// or directory, listens for up to fanout.MaxDirectPeers direct kcp
// connections, and fans the sealed frame stream out to whichever peers are
// ready, following the same batching policy as the core fan-out
// coordinator.
package main

import (
	"context"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/dropwarp/warpcore/clock"
	"github.com/dropwarp/warpcore/control"
	"github.com/dropwarp/warpcore/cryptosession"
	"github.com/dropwarp/warpcore/fanout"
	"github.com/dropwarp/warpcore/signaling"
	"github.com/dropwarp/warpcore/source"
	"github.com/dropwarp/warpcore/stats"
	"github.com/dropwarp/warpcore/transport/kcpchannel"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "warpsend"
	app.Usage = "send a file or directory to up to three directly-connected peers"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":29900", Usage: "local UDP listen address"},
		cli.StringFlag{Name: "path, p", Usage: "file or directory to send (required)"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit for UDP packets"},
		cli.IntFlag{Name: "sndwnd", Value: 128, Usage: "send window size (num of packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 512, Usage: "receive window size (num of packets)"},
		cli.IntFlag{Name: "sockbuf", Value: 4 * 1024 * 1024, Usage: "per-socket buffer in bytes"},
		cli.IntFlag{Name: "dscp", Value: 0, Usage: "DSCP (6 bit)"},
		cli.StringFlag{Name: "statslog", Value: "", Usage: "periodic swarm throughput CSV log path (time.Format tokens allowed in the filename)"},
		cli.IntFlag{Name: "statsinterval", Value: 5, Usage: "seconds between statslog snapshots"},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		checkError(err)
	}
}

func run(c *cli.Context) error {
	path := c.String("path")
	if path == "" {
		color.Red("warpsend: -path is required")
		return cli.NewExitError("", 1)
	}

	cfg := kcpchannel.DefaultConfig()
	cfg.MTU = c.Int("mtu")
	cfg.SndWnd = c.Int("sndwnd")
	cfg.RcvWnd = c.Int("rcvwnd")
	cfg.SockBuf = c.Int("sockbuf")
	cfg.DSCP = c.Int("dscp")
	switch c.String("mode") {
	case "normal":
		cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion = 0, 40, 2, 1
	case "fast":
		cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion = 0, 30, 2, 1
	case "fast2":
		cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion = 1, 20, 2, 1
	case "fast3":
		cfg.NoDelay, cfg.Interval, cfg.Resend, cfg.NoCongestion = 1, 10, 2, 1
	}

	manifest, newSource, err := buildManifest(path)
	checkError(err)

	roomID, err := control.NewRoomID()
	checkError(err)
	log.Printf("warpsend: transfer %s (%d bytes, %d file(s)), room %s", manifest.TransferID, manifest.TotalSize, manifest.TotalFiles, roomID)

	coordinator := fanout.New(clock.Real, roomID, manifest, newSource, cryptosession.NewDisabled(), fanout.Events{
		SlotLimit: func(id signaling.PeerID) {
			color.Red("warpsend: rejected %s: peer slot limit (%d) reached", id, fanout.MaxDirectPeers)
		},
		Detached: func(id signaling.PeerID, cause fanout.DetachCause) {
			color.Yellow("warpsend: peer %s detached: %s", id, cause)
		},
		BatchStarted: func(ids []signaling.PeerID) {
			log.Printf("warpsend: batch started with %v", ids)
		},
		AllTransfersComplete: func() {
			color.Green("warpsend: all transfers complete")
		},
	})

	ln, err := kcpchannel.Listen(c.String("listen"), nil, cfg)
	checkError(err)
	defer ln.Close()
	log.Printf("warpsend: listening on %s", c.String("listen"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("warpsend: interrupted, cleaning up")
		coordinator.Cleanup()
		cancel()
	}()

	if path := c.String("statslog"); path != "" {
		stop := make(chan struct{})
		interval := time.Duration(c.Int("statsinterval")) * time.Second
		go stats.NewLogger(path).RunPeriodic(interval, stop, func() stats.Sample {
			return swarmSample(coordinator)
		})
		go func() { <-ctx.Done(); close(stop) }()
	}

	go acceptLoop(ctx, ln, coordinator)

	<-ctx.Done()
	return nil
}

func swarmSample(coordinator *fanout.Coordinator) stats.Sample {
	st := coordinator.State()
	var bytesSent int64
	var active, completed int
	for _, p := range st.Peers {
		bytesSent += p.BytesSent
		if p.Connected && !p.Completed {
			active++
		}
		if p.Completed {
			completed++
		}
	}
	return stats.Sample{At: time.Now(), BytesTransferred: bytesSent, PeersActive: active, PeersCompleted: completed}
}

func acceptLoop(ctx context.Context, ln *kcpchannel.Listener, coordinator *fanout.Coordinator) {
	for i := 0; ; i++ {
		ch, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("warpsend: accept: %v", err)
			continue
		}

		id := signaling.PeerID(time.Now().Format("150405.000000") + "-" + strconv.Itoa(i))
		if err := coordinator.Attach(id, ch); err != nil {
			_ = ch.Close()
			continue
		}
		coordinator.Connected(id)
		log.Printf("warpsend: peer %s connected", id)
	}
}

func buildManifest(path string) (control.Manifest, fanout.SourceFactory, error) {
	info, err := os.Stat(path)
	if err != nil {
		return control.Manifest{}, nil, errors.Wrap(err, "warpsend: stat path")
	}

	now := time.Now()
	transferID, err := control.NewTransferID(now)
	if err != nil {
		return control.Manifest{}, nil, err
	}

	if !info.IsDir() {
		entry := control.FileEntry{
			ID: 0, Name: info.Name(), Path: control.NormalizePath(info.Name()),
			Size: info.Size(), MimeType: "application/octet-stream", LastModified: info.ModTime().UnixMilli(),
		}
		manifest := control.Manifest{
			TransferID: transferID, TotalSize: info.Size(), TotalFiles: 1,
			RootName: info.Name(), Files: []control.FileEntry{entry}, IsFolder: false,
		}
		newSource := func() *source.Pipeline {
			f, err := os.Open(path)
			if err != nil {
				log.Fatalf("warpsend: reopen %s: %v", path, err)
			}
			return source.NewSingleStream(f)
		}
		return manifest, newSource, nil
	}

	var files []control.FileEntry
	var relPaths []string
	var totalSize int64
	var id uint16
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		files = append(files, control.FileEntry{
			ID: id, Name: d.Name(), Path: control.NormalizePath(rel),
			Size: fi.Size(), MimeType: "application/octet-stream", LastModified: fi.ModTime().UnixMilli(),
		})
		relPaths = append(relPaths, p)
		totalSize += fi.Size()
		id++
		return nil
	})
	if err != nil {
		return control.Manifest{}, nil, errors.Wrap(err, "warpsend: walk directory")
	}

	manifest := control.Manifest{
		TransferID: transferID, TotalSize: totalSize, TotalFiles: len(files),
		RootName: filepath.Base(path), Files: files, IsFolder: true,
	}

	newSource := func() *source.Pipeline {
		entries := make([]source.Entry, 0, len(files))
		for i, f := range files {
			fh, err := os.Open(relPaths[i])
			if err != nil {
				log.Fatalf("warpsend: reopen %s: %v", relPaths[i], err)
			}
			entries = append(entries, source.Entry{
				Path: f.Path, Size: f.Size, Modified: time.UnixMilli(f.LastModified), Reader: fh,
			})
		}
		return source.NewArchiveStream(entries, totalSize)
	}
	return manifest, newSource, nil
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
