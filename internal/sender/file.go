package sender

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/speedwagon-io/tankwatch/internal/model"
)

// FileSender keeps two text files current: the rendered analysis for
// operators and a "<tag> <fullness>" line per tank for scripts. A report older
// than the one already on disk is ignored.
type FileSender struct {
	log          *slog.Logger
	analysisPath string
	fullnessPath string

	mu      sync.Mutex
	written time.Time
}

func NewFileSender(log *slog.Logger, analysisPath, fullnessPath string) *FileSender {
	return &FileSender{
		log:          log,
		analysisPath: analysisPath,
		fullnessPath: fullnessPath,
	}
}

func (s *FileSender) Name() string {
	return "file"
}

func (s *FileSender) Send(ctx context.Context, report *model.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if report.Timestamp.Before(s.written) {
		s.log.Debug("skipping report older than files on disk",
			slog.String("report_id", report.ID),
			slog.Time("written", s.written),
		)
		return nil
	}

	if err := writeFileAtomic(s.analysisPath, []byte(report.Render())); err != nil {
		return fmt.Errorf("failed to write analysis: %w", err)
	}

	var b strings.Builder
	for _, l := range report.Tanks {
		b.WriteString(l.Tag)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(l.Fullness, 'f', -1, 64))
		b.WriteByte('\n')
	}
	if err := writeFileAtomic(s.fullnessPath, []byte(b.String())); err != nil {
		return fmt.Errorf("failed to write fullness: %w", err)
	}

	s.written = report.Timestamp
	s.log.Debug("report files written",
		slog.String("analysis_path", s.analysisPath),
		slog.String("fullness_path", s.fullnessPath),
	)
	return nil
}

func (s *FileSender) Health(ctx context.Context) error {
	for _, p := range []string{s.analysisPath, s.fullnessPath} {
		if _, err := os.Stat(filepath.Dir(p)); err != nil {
			return fmt.Errorf("output directory unavailable: %w", err)
		}
	}
	return nil
}

// writeFileAtomic replaces path so readers never see a half-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
