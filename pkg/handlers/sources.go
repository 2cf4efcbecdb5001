package handlers

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// URLFetcher retrieves http(s) content.
type URLFetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// SFTPFetcher retrieves sftp:// content.
type SFTPFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Sources resolves file content sources: local paths, file://, http(s):// and sftp://.
type Sources struct {
	HTTP URLFetcher
	SFTP SFTPFetcher
}

// Read returns the bytes at source.
func (s *Sources) Read(ctx context.Context, source string) ([]byte, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		if s == nil || s.HTTP == nil {
			return nil, fmt.Errorf("source %s: http sources are not enabled", source)
		}
		return s.HTTP.Get(ctx, source)
	case strings.HasPrefix(source, "sftp://"):
		if s == nil || s.SFTP == nil {
			return nil, fmt.Errorf("source %s: sftp sources are not enabled", source)
		}
		return s.SFTP.Fetch(ctx, source)
	case strings.Contains(source, "://") && !strings.HasPrefix(source, "file://"):
		return nil, fmt.Errorf("source %s: unsupported scheme", source)
	default:
		path := strings.TrimPrefix(source, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("source unavailable: %w", err)
		}
		return data, nil
	}
}
