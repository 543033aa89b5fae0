// Package notification is the fire-and-forget alerting sink for the
// trading core: liquidation warnings, emergency closes and cycle
// errors fan out to the configured providers.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Severity grades an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one outbound notification
type Alert struct {
	Severity  Severity
	Message   string
	Context   map[string]interface{}
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(alert *Alert) error
	Name() string
	IsEnabled() bool
}

// Manager fans alerts out to all enabled providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{enabled: true}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Emit sends an alert to every enabled provider without blocking the
// caller. Send failures are logged and otherwise swallowed; alerting
// must never stall a trading loop.
func (m *Manager) Emit(severity Severity, message string, context map[string]interface{}) {
	if !m.enabled {
		return
	}

	alert := &Alert{
		Severity:  severity,
		Message:   message,
		Context:   context,
		Timestamp: time.Now(),
	}

	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		go func(n Notifier) {
			if err := n.Send(alert); err != nil {
				log.Printf("[NOTIFY] %s delivery failed: %v", n.Name(), err)
			}
		}(n)
	}
}

// formatContext renders alert context as stable key=value pairs
func formatContext(context map[string]interface{}) string {
	if len(context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, context[k]))
	}
	return strings.Join(parts, " ")
}

// LogNotifier writes alerts to the process log. Always enabled; it is
// the provider of last resort.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier
func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (l *LogNotifier) Name() string    { return "log" }
func (l *LogNotifier) IsEnabled() bool { return true }

func (l *LogNotifier) Send(alert *Alert) error {
	log.Printf("[ALERT] [%s] %s %s", strings.ToUpper(string(alert.Severity)), alert.Message, formatContext(alert.Context))
	return nil
}

// TelegramNotifier sends alerts via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(alert *Alert) error {
	if !t.enabled {
		return nil
	}

	prefix := "ℹ️"
	switch alert.Severity {
	case SeverityWarning:
		prefix = "⚠️"
	case SeverityCritical:
		prefix = "🚨"
	}
	message := fmt.Sprintf("%s *%s*\n%s", prefix, strings.ToUpper(string(alert.Severity)), alert.Message)
	if ctx := formatContext(alert.Context); ctx != "" {
		message += "\n`" + ctx + "`"
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
