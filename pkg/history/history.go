// Package history keeps the transcript of the current chat session on disk.
// Every message added to a session is flushed to a JSON file whose path is
// rendered from a template.
package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultPathFormat = "{{.Year}}/{{.Month}}/{{.Day}}/{{.Time.Format \"150405\"}}-{{.SessionID}}.json"

// Entry is one message of a session transcript.
type Entry struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type session struct {
	ID        string     `json:"sessionId"`
	Label     string     `json:"label"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Messages  []Entry    `json:"messages"`
}

type Log struct {
	dir        string
	pathFormat string
	tmpl       *template.Template

	mu      sync.Mutex
	current *session
	path    string
}

type Option func(*Log)

func WithPathFormat(format string) Option {
	return func(l *Log) {
		if format != "" {
			l.pathFormat = format
		}
	}
}

// New creates a session log rooted at dir. An empty dir defaults to
// ~/.convtree/history.
func New(dir string, options ...Option) (*Log, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".convtree", "history")
	}
	l := &Log{
		dir:        dir,
		pathFormat: DefaultPathFormat,
	}
	for _, o := range options {
		o(l)
	}

	tmpl, err := template.New("history").Funcs(sprig.TxtFuncMap()).Parse(l.pathFormat)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid history path format %q", l.pathFormat)
	}
	l.tmpl = tmpl
	return l, nil
}

// StartSession opens a new, empty session. A session that is still open is
// ended first.
func (l *Log) StartSession(ctx context.Context, label string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLocked(label)
}

func (l *Log) startLocked(label string) error {
	if l.current != nil {
		if err := l.endLocked(); err != nil {
			return err
		}
	}

	now := time.Now()
	s := &session{
		ID:        uuid.NewString(),
		Label:     label,
		StartedAt: now,
		Messages:  []Entry{},
	}
	path, err := l.renderPath(s)
	if err != nil {
		return err
	}
	l.current = s
	l.path = path

	log.Debug().Str("session_id", s.ID).Str("label", label).Str("path", path).Msg("Started history session")
	return l.flushLocked()
}

// EndSession closes the current session. It is a no-op if none is open.
func (l *Log) EndSession(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	return l.endLocked()
}

func (l *Log) endLocked() error {
	now := time.Now()
	l.current.EndedAt = &now
	err := l.flushLocked()
	log.Debug().Str("session_id", l.current.ID).Int("messages", len(l.current.Messages)).Msg("Ended history session")
	l.current = nil
	l.path = ""
	return err
}

// AddMessage appends a message to the current session and saves it. Adding
// a message without an open session starts an unlabeled one.
func (l *Log) AddMessage(ctx context.Context, role string, content string, metadata map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		if err := l.startLocked(""); err != nil {
			return err
		}
	}
	l.current.Messages = append(l.current.Messages, Entry{
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	return l.flushLocked()
}

// Messages returns a copy of the current session's transcript.
func (l *Log) Messages() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	return append([]Entry{}, l.current.Messages...)
}

// Label returns the label of the current session.
func (l *Log) Label() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return ""
	}
	return l.current.Label
}

// Path returns the file the current session is written to.
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *Log) renderPath(s *session) (string, error) {
	data := map[string]interface{}{
		"Year":      s.StartedAt.Format("2006"),
		"Month":     s.StartedAt.Format("01"),
		"Day":       s.StartedAt.Format("02"),
		"Time":      s.StartedAt,
		"SessionID": s.ID,
		"Label":     s.Label,
	}
	var b strings.Builder
	if err := l.tmpl.Execute(&b, data); err != nil {
		return "", errors.Wrap(err, "could not render history path")
	}
	return filepath.Join(l.dir, b.String()), nil
}

func (l *Log) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return errors.Wrap(err, "could not create history directory")
	}

	f, err := os.Create(l.path)
	if err != nil {
		return errors.Wrap(err, "could not create history file")
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(l.current); err != nil {
		return errors.Wrap(err, "could not write history file")
	}
	return nil
}

const checkpointDirName = "checkpoints"

// CreateCheckpoint writes a copy of the current transcript to
// <dir>/checkpoints/<id>.json and returns the checkpoint id.
func (l *Log) CreateCheckpoint(ctx context.Context, label string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := session{
		ID:        uuid.NewString(),
		Label:     label,
		StartedAt: time.Now(),
		Messages:  []Entry{},
	}
	if l.current != nil {
		cp.Messages = append(cp.Messages, l.current.Messages...)
	}

	dir := filepath.Join(l.dir, checkpointDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "could not create checkpoint directory")
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "could not encode checkpoint")
	}
	path := filepath.Join(dir, cp.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrap(err, "could not write checkpoint")
	}

	log.Debug().Str("checkpoint_id", cp.ID).Str("label", label).Int("messages", len(cp.Messages)).Msg("Created history checkpoint")
	return cp.ID, nil
}
