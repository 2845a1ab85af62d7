// Package quotes prints a one-line flavor message alongside the
// server's startup and shutdown log lines, optionally overridden by an
// operator-supplied configs/quotes.json, falling back to the built-in
// internal/quotes, trimmed to the two categories cmd/exchange actually
// prints (its hourly-status category had no caller here).
package quotes

import (
	"encoding/json"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// QuotesConfig holds the quote categories loadable from quotes.json.
type QuotesConfig struct {
	Startup  []string `json:"startup"`
	Shutdown []string `json:"shutdown"`
}

// Manager handles quote loading and retrieval.
type Manager struct {
	mu       sync.RWMutex
	config   QuotesConfig
	basePath string
}

var defaultQuotes = QuotesConfig{
	Startup: []string{
		"Exchange open.",
		"Taking bids.",
		"Floor is open.",
		"Listening for agents.",
		"Auction house open for business.",
	},
	Shutdown: []string{
		"Exchange closed.",
		"Floor closed.",
		"No more bids.",
		"Settling up, going dark.",
		"That's the closing bell.",
	},
}

var (
	globalManager *Manager
	once          sync.Once
)

// Init initializes the global quotes manager with the base path to look
// for configs/quotes.json under.
func Init(basePath string) {
	once.Do(func() {
		globalManager = &Manager{basePath: basePath, config: defaultQuotes}
		globalManager.Load()
	})
}

// GetManager returns the global quotes manager, falling back to defaults
// if Init was never called.
func GetManager() *Manager {
	if globalManager == nil {
		globalManager = &Manager{config: defaultQuotes}
	}
	return globalManager
}

// Load loads quotes from configs/quotes.json, falling back to defaults
// for any category the file leaves empty or if the file is absent.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	quotesPath := filepath.Join(m.basePath, "configs", "quotes.json")
	data, err := os.ReadFile(quotesPath)
	if err != nil {
		m.config = defaultQuotes
		return nil
	}

	var config QuotesConfig
	if err := json.Unmarshal(data, &config); err != nil {
		log.Printf("[quotes] error parsing quotes.json: %v, using defaults", err)
		m.config = defaultQuotes
		return err
	}

	if len(config.Startup) == 0 {
		config.Startup = defaultQuotes.Startup
	}
	if len(config.Shutdown) == 0 {
		config.Shutdown = defaultQuotes.Shutdown
	}
	m.config = config
	return nil
}

// StartupQuote returns a random startup quote.
func (m *Manager) StartupQuote() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.config.Startup) == 0 {
		return "Ready."
	}
	return m.config.Startup[rand.Intn(len(m.config.Startup))]
}

// ShutdownQuote returns a random shutdown quote.
func (m *Manager) ShutdownQuote() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.config.Shutdown) == 0 {
		return "Goodbye."
	}
	return m.config.Shutdown[rand.Intn(len(m.config.Shutdown))]
}

// StartupQuote returns a random startup quote from the global manager.
func StartupQuote() string { return GetManager().StartupQuote() }

// ShutdownQuote returns a random shutdown quote from the global manager.
func ShutdownQuote() string { return GetManager().ShutdownQuote() }
