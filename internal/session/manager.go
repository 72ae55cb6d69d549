// Package session 登记运行中打开的浏览器会话，保证每个会话只关闭一次。
package session

import (
	"sync"

	"cdpharness/internal/logger"
	"cdpharness/pkg/model"
)

// Session 可被管理器关闭的会话
type Session interface {
	ID() model.SessionID
	Close() error
}

// Manager 会话登记表
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[model.SessionID]Session),
		log:      logger.OrNop(l),
	}
}

// Track 登记已打开的会话
func (m *Manager) Track(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
	m.log.Debug("登记浏览器会话", "sessionID", string(s.ID()))
}

// Release 注销并关闭会话；未登记或已释放时返回 false
func (m *Manager) Release(id model.SessionID) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := s.Close(); err != nil {
		m.log.Warn("关闭浏览器会话失败", "sessionID", string(id), "error", err)
	}
	m.log.Debug("释放浏览器会话", "sessionID", string(id))
	return true
}

// CloseAll 关闭所有仍在登记中的会话，返回关闭数量
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	list := make([]Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range list {
		if err := s.Close(); err != nil {
			m.log.Warn("关闭浏览器会话失败", "sessionID", string(s.ID()), "error", err)
		}
	}
	return len(list)
}

// Len 当前登记的会话数
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
