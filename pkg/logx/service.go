package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors lines at or above MinLevel into chats.
type TelegramConfig struct {
	Enabled    bool
	ChatIDs    []int64
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./tgload.log"

// Service owns the process outputs. Apply rebuilds them in place and every
// Logger handed out by the service picks up the change on its next line.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatSink

	root atomic.Pointer[zerolog.Logger]
}

// New builds a service from cfg. sender may be nil, which disables the
// chat sink regardless of cfg.
func New(cfg Config, sender TextSender) (*Service, Logger) {
	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Dropped counts lines the chat sink discarded on a full queue.
func (s *Service) Dropped() uint64 { return s.chat.dropped.Load() }

// Apply replaces the level and outputs. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(stdout))
	}
	if f := s.reopen(cfg.File); f != nil {
		outs = append(outs, zerolog.SyncWriter(f))
	}
	if s.chat.configure(cfg.Telegram) {
		outs = append(outs, s.chat)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// reopen swaps the log file. Failure is reported on stderr and leaves the
// file output off.
func (s *Service) reopen(fc FileConfig) *os.File {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if !fc.Enabled {
		return nil
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(stderr, "logx: open %s: %v\n", path, err)
		return nil
	}
	s.file = f
	return f
}

// Close stops the chat sink and closes the log file.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
