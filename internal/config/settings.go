// ABOUTME: Live settings that the dashboard can change while the process runs
// ABOUTME: Seeded from the config file, overridden by persisted rows, with change listeners

package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Setting keys as stored in the settings table.
const (
	KeyDailyCostLimit = "daily_cost_limit"
	KeyVoiceEnabled   = "telnyx_voice_enabled"
	KeyVoiceGreeting  = "telnyx_voice_greeting"
	KeyHistoryDepth   = "sms_history_depth"
)

// SettingsBacking persists settings rows.
type SettingsBacking interface {
	ListSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Settings is safe for concurrent use.
type Settings struct {
	mu           sync.RWMutex
	dailyLimit   float64
	voiceEnabled bool
	greeting     string
	historyDepth int
	listeners    []func(key string)
}

// NewSettings seeds live settings from the file configuration.
func NewSettings(cfg *Config) *Settings {
	return &Settings{
		dailyLimit:   cfg.Cost.DailyLimit,
		voiceEnabled: cfg.Telnyx.VoiceEnabled,
		greeting:     cfg.Telnyx.Greeting,
		historyDepth: cfg.SMS.HistoryDepth,
	}
}

// Load applies every known persisted row. Unknown keys are ignored; a bad
// value for a known key is an error.
func (s *Settings) Load(ctx context.Context, backing SettingsBacking) error {
	rows, err := backing.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	for _, key := range []string{KeyDailyCostLimit, KeyVoiceEnabled, KeyVoiceGreeting, KeyHistoryDepth} {
		value, ok := rows[key]
		if !ok {
			continue
		}
		if err := s.Apply(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Update applies a change and persists it.
func (s *Settings) Update(ctx context.Context, backing SettingsBacking, key, value string) error {
	if err := s.Apply(key, value); err != nil {
		return err
	}
	if err := backing.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("persisting setting %s: %w", key, err)
	}
	return nil
}

// Apply parses and sets one value, then notifies listeners.
func (s *Settings) Apply(key, value string) error {
	value = strings.TrimSpace(value)

	s.mu.Lock()
	switch key {
	case KeyDailyCostLimit:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			s.mu.Unlock()
			return fmt.Errorf("setting %s: invalid amount %q", key, value)
		}
		s.dailyLimit = f
	case KeyVoiceEnabled:
		s.voiceEnabled = value == "true"
	case KeyVoiceGreeting:
		if value == "" {
			value = DefaultGreeting
		}
		s.greeting = value
	case KeyHistoryDepth:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			s.mu.Unlock()
			return fmt.Errorf("setting %s: invalid depth %q", key, value)
		}
		s.historyDepth = n
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown setting %q", key)
	}
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(key)
	}
	return nil
}

// OnChange registers fn to run after every applied change.
func (s *Settings) OnChange(fn func(key string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// DailyLimit is the cost ceiling in USD.
func (s *Settings) DailyLimit() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dailyLimit
}

// VoiceEnabled reports whether inbound calls are answered.
func (s *Settings) VoiceEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voiceEnabled
}

// Greeting is spoken when a call is answered.
func (s *Settings) Greeting() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.greeting
}

// HistoryDepth bounds the SMS history sent to the direct responder.
func (s *Settings) HistoryDepth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.historyDepth
}
