// Package backup snapshots the teams database on a schedule, ships the
// snapshots to remote destinations and prunes old copies.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const filePrefix = "teams-"

// Info describes a single snapshot held by a Destination.
type Info struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Destination is a remote place snapshots are copied to.
type Destination interface {
	// Upload copies the local file and returns its remote key.
	Upload(ctx context.Context, localPath string) (key string, err error)
	// List returns the stored snapshots, newest first.
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, key string) error
	Name() string
}

// Snapshotter writes a consistent copy of a database to destPath.
type Snapshotter interface {
	Backup(ctx context.Context, destPath string) error
}

// Config controls where and how often snapshots are taken.
type Config struct {
	Dir          string        // local directory for snapshots (required)
	Interval     time.Duration // 0 disables the periodic run
	Retention    int           // snapshots to keep per location; 0 keeps all
	Destinations []Destination
}

var backupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "teamctx_backups_total",
		Help: "Database snapshots by location (local or destination name) and result.",
	},
	[]string{"location", "result"},
)

func init() {
	prometheus.MustRegister(backupsTotal)
}

// Runner takes snapshots. RunOnce may be called while the periodic loop is
// active; runs never overlap.
type Runner struct {
	source Snapshotter
	cfg    Config
	now    func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewRunner validates cfg and starts the periodic loop when cfg.Interval > 0.
func NewRunner(source Snapshotter, cfg Config) (*Runner, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	r := &Runner{
		source: source,
		cfg:    cfg,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.Interval > 0 {
		go r.run()
	} else {
		close(r.done)
	}
	return r, nil
}

func (r *Runner) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	defer close(r.done)

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(context.Background()); err != nil {
				slog.Error("scheduled backup failed", "error", err)
			}
		case <-r.stop:
			return
		}
	}
}

// RunOnce takes one snapshot, uploads it to every destination and applies
// retention. The local snapshot path is returned even when an upload fails.
func (r *Runner) RunOnce(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.cfg.Dir, filePrefix+r.now().UTC().Format("20060102-150405")+".db")
	if err := r.source.Backup(ctx, path); err != nil {
		backupsTotal.WithLabelValues("local", "error").Inc()
		return "", err
	}
	backupsTotal.WithLabelValues("local", "ok").Inc()
	slog.Info("database backup written", "path", path)

	var errs []error
	if _, err := pruneLocal(r.cfg.Dir, r.cfg.Retention); err != nil {
		errs = append(errs, err)
	}
	for _, d := range r.cfg.Destinations {
		if _, err := d.Upload(ctx, path); err != nil {
			backupsTotal.WithLabelValues(d.Name(), "error").Inc()
			errs = append(errs, err)
			continue
		}
		backupsTotal.WithLabelValues(d.Name(), "ok").Inc()
		if _, err := Prune(ctx, d, r.cfg.Retention); err != nil {
			errs = append(errs, err)
		}
	}
	return path, errors.Join(errs...)
}

// Shutdown stops the periodic loop and waits for an in-progress run.
func (r *Runner) Shutdown() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

// Prune deletes snapshots beyond the newest keep from d. It relies on List
// returning newest first and returns the number deleted.
func Prune(ctx context.Context, d Destination, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	infos, err := d.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s backups: %w", d.Name(), err)
	}
	if len(infos) <= keep {
		return 0, nil
	}
	deleted := 0
	for _, info := range infos[keep:] {
		if err := d.Delete(ctx, info.Key); err != nil {
			return deleted, fmt.Errorf("delete %s backup %s: %w", d.Name(), info.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

// pruneLocal removes local snapshots beyond the newest keep. File names embed
// a sortable timestamp, so name order is age order.
func pruneLocal(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read backup directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return 0, nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	deleted := 0
	for _, name := range names[keep:] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return deleted, fmt.Errorf("remove old backup: %w", err)
		}
		deleted++
	}
	return deleted, nil
}
