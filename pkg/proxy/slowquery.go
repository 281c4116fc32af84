package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/pixiv/neoagent/pkg/config"
)

// SlowQueryRecord is one logged slow session round-trip, split into the
// three proxy phases.
type SlowQueryRecord struct {
	Time            time.Time `json:"time"`
	Env             string    `json:"env"`
	ClientAddr      string    `json:"client"`
	UpstreamAddr    string    `json:"upstream"`
	Command         string    `json:"command"`
	Requests        int       `json:"requests"`
	ToUpstreamSec   float64   `json:"to_upstream_sec"`
	FromUpstreamSec float64   `json:"from_upstream_sec"`
	ToClientSec     float64   `json:"to_client_sec"`
	TotalSec        float64   `json:"total_sec"`
}

// SlowQueryLog appends records for sessions whose total elapsed time
// exceeded the configured threshold. Writes go through an afero.Fs so tests
// can observe them in memory.
type SlowQueryLog struct {
	fs        afero.Fs
	path      string
	format    string
	mask      os.FileMode
	threshold float64

	mu    sync.Mutex
	count int64
}

// NewSlowQueryLog builds the log from the environment's slow-query knobs.
// A zero threshold or empty path disables it.
func NewSlowQueryLog(fs afero.Fs, cfg config.Environment) (*SlowQueryLog, error) {
	mask := os.FileMode(0644)
	if cfg.SlowQueryLogAccessMask != "" {
		m, err := strconv.ParseUint(cfg.SlowQueryLogAccessMask, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("environment %s: slow_query_log_access_mask %q: %w", cfg.Name, cfg.SlowQueryLogAccessMask, err)
		}
		mask = os.FileMode(m)
	}
	return &SlowQueryLog{
		fs:        fs,
		path:      cfg.SlowQueryLogPath,
		format:    cfg.SlowQueryLogFormat,
		mask:      mask,
		threshold: cfg.SlowQuerySec,
	}, nil
}

// Enabled reports whether slow-query observation is configured.
func (l *SlowQueryLog) Enabled() bool {
	return l.threshold > 0 && l.path != ""
}

// ThresholdSec returns the configured threshold in seconds.
func (l *SlowQueryLog) ThresholdSec() float64 {
	return l.threshold
}

// Count returns the number of records emitted so far.
func (l *SlowQueryLog) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Emit appends one record in the configured format.
func (l *SlowQueryLog) Emit(rec SlowQueryRecord) error {
	line, err := l.formatRecord(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, l.mask)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	l.count++
	return nil
}

func (l *SlowQueryLog) formatRecord(rec SlowQueryRecord) ([]byte, error) {
	switch l.format {
	case "ltsv":
		line := fmt.Sprintf(
			"time:%s\tenv:%s\tclient:%s\tupstream:%s\tcommand:%s\trequests:%d\tto_upstream_sec:%f\tfrom_upstream_sec:%f\tto_client_sec:%f\ttotal_sec:%f",
			rec.Time.Format(time.RFC3339Nano), rec.Env, rec.ClientAddr, rec.UpstreamAddr,
			rec.Command, rec.Requests,
			rec.ToUpstreamSec, rec.FromUpstreamSec, rec.ToClientSec, rec.TotalSec,
		)
		return []byte(line), nil
	default:
		return json.Marshal(rec)
	}
}
