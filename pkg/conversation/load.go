package conversation

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadMessagesFromFile reads a list of messages from a JSON or YAML file, for
// example to seed a new tree. Messages without id or timestamp get fresh
// ones.
func LoadMessagesFromFile(filename string) (Conversation, error) {
	const op = "load messages"

	var decode func(r io.Reader, v interface{}) error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		decode = func(r io.Reader, v interface{}) error { return json.NewDecoder(r).Decode(v) }
	case ".yaml", ".yml":
		decode = func(r io.Reader, v interface{}) error { return yaml.NewDecoder(r).Decode(v) }
	default:
		return nil, NewValidationError(op, "use a .json, .yaml or .yml file", "unsupported message file %s", filename)
	}

	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError(op, "message file %s not found", filename)
		}
		return nil, NewIOError(op, errors.Wrapf(err, "failed to open %s", filename))
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	var messages Conversation
	if err := decode(f, &messages); err != nil && err != io.EOF {
		return nil, NewCorruptError(op, filename, err)
	}

	now := time.Now()
	ret := Conversation{}
	for _, m := range messages {
		if m == nil {
			continue
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Time.IsZero() {
			m.Time = now
		}
		ret = append(ret, m)
	}
	return ret, nil
}
