package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/agentfs/internal/types"
)

const (
	resultSuffix = ".result.json"

	// defaultSettle is how long a command file that does not decode is
	// left alone in case its writer has not finished with it.
	defaultSettle = 10 * time.Second
)

// Signals polls a directory for command files. Each `<name>.json` is
// dispatched once and replaced by `<name>.result.json`.
//
// Writers should create `.<name>.json` and rename it to `<name>.json` when
// complete; dotfiles are never read. A file that still fails to decode is
// retried on later polls until it is older than the settle period, and
// only then answered as a bad command.
type Signals struct {
	dir        string
	interval   time.Duration
	settle     time.Duration
	now        func() time.Time
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewSignals(dir string, interval time.Duration, dispatcher *Dispatcher, logger *slog.Logger) (*Signals, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Signals{
		dir:        dir,
		interval:   interval,
		settle:     defaultSettle,
		now:        time.Now,
		dispatcher: dispatcher,
		logger:     logger.With("component", "signals"),
	}, nil
}

func (s *Signals) Dir() string { return s.dir }

// Run polls until ctx is done.
func (s *Signals) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Poll(ctx); err != nil {
			s.logger.Warn("poll signals", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Poll handles every pending command file in name order and returns how
// many were processed. Files left for a later poll are not counted.
func (s *Signals) Poll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	var pending []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, resultSuffix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		pending = append(pending, name)
	}
	sort.Strings(pending)
	n := 0
	for _, name := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if s.handle(ctx, name) {
			n++
		}
	}
	return n, nil
}

// handle dispatches one file and reports whether it was answered.
func (s *Signals) handle(ctx context.Context, name string) bool {
	base := strings.TrimSuffix(name, ".json")
	src := filepath.Join(s.dir, name)

	res := &Result{}
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return false
	}
	if err == nil {
		var cmd Command
		if err = json.Unmarshal(data, &cmd); err != nil {
			if s.unsettled(src) {
				s.logger.Debug("signal not decodable yet", "file", name, "error", err)
				return false
			}
			err = badCommand("decode %s: %v", name, err)
		} else {
			if cmd.Origin == "" {
				cmd.Origin = types.NewOrigin("signal", base)
			}
			var out *Result
			out, err = s.dispatcher.Dispatch(ctx, cmd)
			if out != nil {
				res = out
			}
		}
	}
	if err != nil {
		res.Error = err.Error()
		s.logger.Warn("signal failed", "file", name, "error", err)
	} else {
		s.logger.Info("signal handled", "file", name)
	}

	if err := writeResult(filepath.Join(s.dir, base+resultSuffix), res); err != nil {
		s.logger.Error("write signal result", "file", name, "error", err)
		return false
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		s.logger.Error("remove signal", "file", name, "error", err)
	}
	return true
}

// unsettled reports whether the file changed within the settle period.
func (s *Signals) unsettled(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return s.now().Sub(info.ModTime()) < s.settle
}

func writeResult(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
