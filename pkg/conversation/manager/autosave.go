package manager

import (
	"context"
	"time"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/rs/zerolog/log"
)

// StartAutoSave saves the active tree every auto-save interval until ctx is
// cancelled or StopAutoSave is called. Failures are logged and the next tick
// tries again. Starting an already running auto-saver is a no-op.
func (m *Manager) StartAutoSave(ctx context.Context) error {
	const op = "start auto-save"
	if err := m.checkInitialized(op); err != nil {
		return err
	}
	if m.autoSaveInterval <= 0 {
		return conversation.NewValidationError(op, "configure a positive auto-save interval",
			"auto-save interval %s is not positive", m.autoSaveInterval)
	}

	m.autoSaveMu.Lock()
	defer m.autoSaveMu.Unlock()
	if m.autoSaveCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.autoSaveCancel = cancel
	m.autoSaveDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.autoSaveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.autoSave(ctx)
			}
		}
	}()

	log.Debug().Dur("interval", m.autoSaveInterval).Msg("Started auto-save")
	return nil
}

// StopAutoSave stops the auto-saver and waits for it to exit.
func (m *Manager) StopAutoSave() {
	m.autoSaveMu.Lock()
	defer m.autoSaveMu.Unlock()
	if m.autoSaveCancel == nil {
		return
	}
	m.autoSaveCancel()
	<-m.autoSaveDone
	m.autoSaveCancel = nil
	m.autoSaveDone = nil
	log.Debug().Msg("Stopped auto-save")
}

func (m *Manager) IsAutoSaving() bool {
	m.autoSaveMu.Lock()
	defer m.autoSaveMu.Unlock()
	return m.autoSaveCancel != nil
}

// autoSave saves the active tree if it has unsaved changes.
func (m *Manager) autoSave(ctx context.Context) {
	id := m.ActiveTreeID()
	if id == "" {
		return
	}
	st := m.state(id)
	if st == nil {
		return
	}
	st.mu.Lock()
	dirty := st.dirty && !st.deleted
	st.mu.Unlock()
	if !dirty {
		return
	}

	if err := m.saveTree(ctx, "auto-save", id, true); err != nil {
		log.Error().Err(err).Str("tree_id", id).Msg("Auto-save failed")
	}
}
