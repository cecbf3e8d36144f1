package constants

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

const fileDebounce = 100 * time.Millisecond

// fileContents is the part of the TOML file this package reads.
type fileContents struct {
	Constants map[string]interface{} `toml:"constants"`
}

// FileSource feeds the [constants] table of a TOML file into a reloader
// layer and follows changes to the file.
type FileSource struct {
	path     string
	layer    string
	reloader *Reloader
	logger   *log.Logger
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewFileSource creates a source for the given file.
func NewFileSource(path, layer string, reloader *Reloader, logger *log.Logger) *FileSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &FileSource{
		path:     path,
		layer:    layer,
		reloader: reloader,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ReadFile decodes the [constants] table. A missing file yields no values.
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read constants file: %w", err)
	}

	var contents fileContents
	if _, err := toml.Decode(string(data), &contents); err != nil {
		return nil, fmt.Errorf("decode constants file: %w", err)
	}

	values := make(map[string]string, len(contents.Constants))
	for k, v := range contents.Constants {
		switch tv := v.(type) {
		case string:
			values[k] = tv
		case int64:
			values[k] = strconv.FormatInt(tv, 10)
		case float64:
			values[k] = strconv.FormatFloat(tv, 'g', -1, 64)
		case bool:
			values[k] = strconv.FormatBool(tv)
		default:
			return nil, fmt.Errorf("constants file: unsupported value for %s: %v", k, v)
		}
	}
	return values, nil
}

// Load reads the file once into the layer.
func (s *FileSource) Load() error {
	values, err := ReadFile(s.path)
	if err != nil {
		return err
	}
	s.reloader.SetLayer(s.layer, values)
	return nil
}

// Watch starts following the file. The directory is watched so that editors
// replacing the file by rename are noticed.
func (s *FileSource) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *FileSource) watchLoop() {
	defer s.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(fileDebounce, func() {
				if err := s.Load(); err != nil {
					s.logger.Printf("Failed to reload idle constants from %s: %v", s.path, err)
				} else {
					s.logger.Printf("Reloaded idle constants from %s", s.path)
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("Constants file watcher error: %v", err)
		}
	}
}

// Close stops watching.
func (s *FileSource) Close() error {
	s.cancel()
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}
