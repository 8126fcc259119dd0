package config

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BDTLine is one parsed line of a Broadcast Distribution Table file:
// "ip:port[/broadcast-mask]", one entry per line, '#' comments allowed.
type BDTLine struct {
	Addr      netip.AddrPort
	Broadcast netip.Addr
}

// ParseBDTFile reads path and returns its entries. A malformed line
// is skipped with no error: the BDT file is operator-maintained and a
// single bad line shouldn't take down forwarding for every peer.
func ParseBDTFile(path string) ([]BDTLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bdt file %s: %w", path, err)
	}
	defer f.Close()

	var out []BDTLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, "/", 2)
		ap, err := netip.ParseAddrPort(fields[0])
		if err != nil {
			continue
		}
		entry := BDTLine{Addr: ap}
		if len(fields) == 2 {
			if bmask, err := netip.ParseAddr(fields[1]); err == nil {
				entry.Broadcast = bmask
			}
		}
		out = append(out, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan bdt file %s: %w", path, err)
	}
	return out, nil
}

// WatchBDTFile watches path for changes and invokes onReload with the
// freshly parsed contents, debounced by reloadDebounce so a
// write-then-rename from an editor only triggers one reload. Blocks
// until ctx is cancelled.
func WatchBDTFile(ctx context.Context, path string, logger *slog.Logger, onReload func([]BDTLine)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch bdt file %s: %w", path, err)
	}

	var pending *time.Timer
	reload := func() {
		lines, err := ParseBDTFile(path)
		if err != nil {
			logger.Warn("bdt reload failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("bdt file reloaded", slog.Int("entries", len(lines)))
		onReload(lines)
	}

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, reload)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("bdt watcher error", slog.String("error", werr.Error()))
		}
	}
}
