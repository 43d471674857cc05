package monitoring

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ArtifactWatcher 监视制品目录。加载后的制品不可变，文件变化只告警和计数，需重启才会生效
type ArtifactWatcher struct {
	watcher *fsnotify.Watcher
	files   []string
	metrics *MetricsCollector
	logger  *zap.Logger
}

// NewArtifactWatcher 立即开始监视dir中名为files的文件
func NewArtifactWatcher(dir string, files []string, metrics *MetricsCollector, logger *zap.Logger) (*ArtifactWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	bases := make([]string, len(files))
	for i, f := range files {
		bases[i] = filepath.Base(f)
	}
	return &ArtifactWatcher{
		watcher: watcher,
		files:   bases,
		metrics: metrics,
		logger:  logger.With(zap.String("dir", dir)),
	}, nil
}

// Run 处理事件直到ctx结束
func (w *ArtifactWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("artifact watcher error", zap.Error(err))
		}
	}
}

func (w *ArtifactWatcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(event.Name)
	if !slices.Contains(w.files, name) {
		return
	}

	w.logger.Warn("artifact changed on disk, restart the service to serve it",
		zap.String("file", name),
		zap.String("op", event.Op.String()),
	)
	if w.metrics != nil {
		w.metrics.IncrCounter(MetricArtifactChanges, 1, map[string]string{"file": name})
	}
}
