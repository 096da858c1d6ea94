package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/stamns/flow2api/internal/config"
)

type localStore struct {
	root string
}

func newLocalStore(cfg config.StorageLocal) (*localStore, error) {
	dir := strings.TrimSpace(cfg.Directory)
	if dir == "" {
		dir = "./data/files"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create local storage dir: %w", err)
	}
	return &localStore{root: dir}, nil
}

func (s *localStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return ObjectInfo{}, ctx.Err()
	default:
	}

	path, err := s.pathForKey(key)
	if err != nil {
		return ObjectInfo{}, err
	}

	tempFile, err := os.CreateTemp(s.root, "download-*.tmp")
	if err != nil {
		return ObjectInfo{}, err
	}
	defer os.Remove(tempFile.Name())

	written, err := io.Copy(tempFile, body)
	if err != nil {
		tempFile.Close()
		return ObjectInfo{}, err
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return ObjectInfo{}, err
	}
	if err := tempFile.Close(); err != nil {
		return ObjectInfo{}, err
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{Key: key, Size: written, ContentType: opts.ContentType}, nil
}

func (s *localStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	path, err := s.pathForKey(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ObjectInfo{}, err
	}

	info := ObjectInfo{
		Key:         key,
		Size:        stat.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(key)),
		ModTime:     stat.ModTime(),
	}
	return file, info, nil
}

func (s *localStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.pathForKey(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *localStore) Delete(ctx context.Context, key string) error {
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *localStore) List(ctx context.Context) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	var out []ObjectInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, ObjectInfo{
			Key:     entry.Name(),
			Size:    stat.Size(),
			ModTime: stat.ModTime(),
		})
	}
	return out, nil
}

func (s *localStore) PublicURL(key string) (string, bool) {
	return "", false
}

func (s *localStore) pathForKey(key string) (string, error) {
	cleaned := filepath.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || strings.ContainsRune(cleaned, os.PathSeparator) {
		return "", fmt.Errorf("invalid key: %s", key)
	}
	return filepath.Join(s.root, cleaned), nil
}
