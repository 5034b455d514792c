package subscription

import (
	"fmt"
	"sync"

	"golang-stock-gateway/internal/logger"
)

// LiveRegistrar is the slice of the terminal session the manager needs.
type LiveRegistrar interface {
	SubscribeLive(stockCodes []string, fieldMask string) int
	UnsubscribeAll()
}

// Manager bridges subscriber demand to terminal live registrations. Codes
// are reference-counted per subscriber: an instrument stays registered with
// the terminal while at least one subscriber wants it, and everything is
// deregistered in one call once the last subscriber is gone (the terminal
// contract offers no per-code deregistration). Delivery filtering for codes
// whose count has dropped to zero happens in the fan-out layer.
type Manager struct {
	session   LiveRegistrar
	fieldMask string

	mu         sync.Mutex
	refs       map[string]int             // code -> subscriber count
	holders    map[string]map[string]bool // subscriber ID -> codes held
	registered map[string]bool            // codes registered with the terminal

	log *logger.Entry
}

// NewManager creates a subscription manager.
func NewManager(session LiveRegistrar, fieldMask string, log *logger.Log) *Manager {
	return &Manager{
		session:    session,
		fieldMask:  fieldMask,
		refs:       make(map[string]int),
		holders:    make(map[string]map[string]bool),
		registered: make(map[string]bool),
		log:        log.WithComponent("subscription"),
	}
}

// Subscribe records a subscriber's interest in the given codes and issues
// one batched live registration for the request.
func (m *Manager) Subscribe(subscriberID string, codes []string) error {
	if len(codes) == 0 {
		return nil
	}

	m.mu.Lock()
	held, ok := m.holders[subscriberID]
	if !ok {
		held = make(map[string]bool)
		m.holders[subscriberID] = held
	}

	added := make([]string, 0, len(codes))
	for _, code := range codes {
		if held[code] {
			continue
		}
		held[code] = true
		m.refs[code]++
		added = append(added, code)
	}

	toRegister := make([]string, 0, len(added))
	for _, code := range added {
		if !m.registered[code] {
			toRegister = append(toRegister, code)
			m.registered[code] = true
		}
	}
	m.mu.Unlock()

	if len(toRegister) == 0 {
		return nil
	}

	if ret := m.session.SubscribeLive(toRegister, m.fieldMask); ret != 0 {
		m.mu.Lock()
		for _, code := range toRegister {
			delete(m.registered, code)
		}
		m.mu.Unlock()
		m.log.WithFields(logger.Fields{"codes": len(toRegister), "ret": ret}).Error("🔥 Live registration failed")
		return fmt.Errorf("live registration rejected with code %d", ret)
	}

	m.log.WithFields(logger.Fields{"subscriber": subscriberID, "registered": len(toRegister)}).Info("✅ Live registration issued")
	return nil
}

// Unsubscribe drops a subscriber's interest in the given codes. The codes
// stay registered with the terminal until the last subscriber disconnects.
func (m *Manager) Unsubscribe(subscriberID string, codes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.holders[subscriberID]
	if !ok {
		return
	}
	for _, code := range codes {
		if !held[code] {
			continue
		}
		delete(held, code)
		m.decrefLocked(code)
	}
}

// Drop removes a subscriber entirely. When no subscribers remain, all live
// registrations are released in one call.
func (m *Manager) Drop(subscriberID string) {
	m.mu.Lock()
	held, ok := m.holders[subscriberID]
	if ok {
		delete(m.holders, subscriberID)
		for code := range held {
			m.decrefLocked(code)
		}
	}
	empty := len(m.holders) == 0 && len(m.registered) > 0
	if empty {
		m.refs = make(map[string]int)
		m.registered = make(map[string]bool)
	}
	m.mu.Unlock()

	if empty {
		m.session.UnsubscribeAll()
		m.log.Info("ℹ️ Last subscriber gone, released all live registrations")
	}
}

// RefCount returns the subscriber count for one code.
func (m *Manager) RefCount(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[code]
}

func (m *Manager) decrefLocked(code string) {
	if m.refs[code] <= 1 {
		delete(m.refs, code)
		return
	}
	m.refs[code]--
}

// GetStats returns subscription statistics.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"subscribers":      len(m.holders),
		"referenced_codes": len(m.refs),
		"registered_codes": len(m.registered),
	}
}
