package config

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	WifiFile     = "wifi.txt"
	NetCheckFile = "netcheck.txt"
)

// Secrets reads the per-device credential files. Failures are logged and
// reported as ok=false, never as errors.
type Secrets struct {
	Dir string
	Log *zap.Logger
}

func NewSecrets(dir string, log *zap.Logger) *Secrets {
	if log == nil {
		log = zap.NewNop()
	}
	return &Secrets{Dir: dir, Log: log}
}

// WifiCreds returns the SSID and password from the first two lines of
// wifi.txt.
func (s *Secrets) WifiCreds() (ssid, password string, ok bool) {
	data, ok := s.read(WifiFile)
	if !ok {
		return "", "", false
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 {
		s.logger().Warn("wifi credentials incomplete, file empty?", zap.String("file", s.path(WifiFile)))
		return "", "", false
	}
	return strings.TrimRight(lines[0], "\r"), strings.TrimRight(lines[1], "\r"), true
}

// NetCheck returns the contents of netcheck.txt without the trailing
// newline.
func (s *Secrets) NetCheck() (string, bool) {
	data, ok := s.read(NetCheckFile)
	if !ok {
		return "", false
	}
	return strings.TrimRight(string(data), "\r\n"), true
}

func (s *Secrets) read(name string) ([]byte, bool) {
	p := s.path(name)
	data, err := os.ReadFile(p)
	if err != nil {
		s.logger().Warn("cannot read secret file", zap.String("file", p), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (s *Secrets) path(name string) string {
	if s == nil || s.Dir == "" {
		return name
	}
	return filepath.Join(s.Dir, name)
}

func (s *Secrets) logger() *zap.Logger {
	if s == nil || s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
