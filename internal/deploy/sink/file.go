package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
)

const fileLayout = "20060102_150405"

// FileSink writes each finished run to <Dir>/deployment_YYYYMMDD_HHMMSS.json.
type FileSink struct {
	Dir string
}

func (s FileSink) Publish(_ context.Context, ev Event) error {
	if ev.Type != RunFinished || ev.Report == nil {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	data, err := json.MarshalIndent(ev.Report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	stamp := ev.Report.FinishedAt
	if stamp.IsZero() {
		stamp = ev.Time
	}
	base := "deployment_" + stamp.Format(fileLayout)
	path := filepath.Join(s.Dir, base+".json")
	for i := 2; ; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			path = filepath.Join(s.Dir, base+"_"+strconv.Itoa(i)+".json")
			continue
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		break
	}
	log.Info().Str("path", path).Msg("deployment report saved")
	return nil
}
