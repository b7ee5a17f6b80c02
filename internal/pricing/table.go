// Package pricing computes the monetary cost and duration of runs.
//
// DESIGN: Prices come from a Table keyed by model id. Two tables exist:
//   - StaticTable: built once from the models section of the config
//   - RefreshingTable: reloads from an injected Source when stale; concurrent
//     refreshes collapse into one load (singleflight) and a failed refresh
//     keeps serving the previous prices
//
// The Accountant turns usage into cost. Usage that is missing or implausible
// is replaced by a local tokenizer estimate and the result is flagged.
package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// CurrencyUSD is the only currency the gateway reports.
const CurrencyUSD = "USD"

// Entry is the price of one model.
type Entry struct {
	ModelID            string  `yaml:"model_id" json:"model_id"`
	InputCostPerToken  float64 `yaml:"input_cost_per_token" json:"input_cost_per_token"`
	OutputCostPerToken float64 `yaml:"output_cost_per_token" json:"output_cost_per_token"`
	Currency           string  `yaml:"currency,omitempty" json:"currency,omitempty"`
}

// PerMillion builds an entry from prices per million tokens.
func PerMillion(modelID string, input, output float64) Entry {
	return Entry{ModelID: modelID, InputCostPerToken: input / 1e6, OutputCostPerToken: output / 1e6, Currency: CurrencyUSD}
}

// Table looks up prices. Implementations are safe for concurrent use.
type Table interface {
	Lookup(ctx context.Context, modelID string) (Entry, bool)
}

// candidates returns the lookup keys for a model id: the id itself, then the
// id without its provider prefix ("openai/gpt-4o" -> "gpt-4o").
func candidates(modelID string) []string {
	keys := []string{modelID}
	if _, rest, ok := strings.Cut(modelID, "/"); ok && rest != "" {
		keys = append(keys, rest)
	}
	return keys
}

func index(entries []Entry) map[string]Entry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.Currency == "" {
			e.Currency = CurrencyUSD
		}
		m[e.ModelID] = e
	}
	return m
}

func lookup(m map[string]Entry, modelID string) (Entry, bool) {
	for _, k := range candidates(modelID) {
		if e, ok := m[k]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// =============================================================================
// STATIC
// =============================================================================

// StaticTable is an immutable price table.
type StaticTable struct {
	entries map[string]Entry
}

// NewStaticTable creates a table from entries. Later duplicates win.
func NewStaticTable(entries []Entry) *StaticTable {
	return &StaticTable{entries: index(entries)}
}

// Lookup implements Table.
func (t *StaticTable) Lookup(_ context.Context, modelID string) (Entry, bool) {
	return lookup(t.entries, modelID)
}

// =============================================================================
// REFRESHING
// =============================================================================

// Source loads a full price list.
type Source interface {
	Load(ctx context.Context) ([]Entry, error)
}

// RefreshTimeout bounds one source load.
const RefreshTimeout = 30 * time.Second

// RefreshingTable reloads prices from a Source when older than the interval.
// Entries from the fallback table are used for models the source lacks.
type RefreshingTable struct {
	source   Source
	interval time.Duration
	fallback Table

	mu       sync.RWMutex
	entries  map[string]Entry
	loadedAt time.Time

	group singleflight.Group
	now   func() time.Time
}

// NewRefreshingTable creates a table over source. fallback may be nil.
func NewRefreshingTable(source Source, interval time.Duration, fallback Table) *RefreshingTable {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RefreshingTable{source: source, interval: interval, fallback: fallback, now: time.Now}
}

// Lookup implements Table. A stale table is refreshed inline.
func (t *RefreshingTable) Lookup(ctx context.Context, modelID string) (Entry, bool) {
	if t.stale() {
		if err := t.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("pricing refresh failed, serving previous prices")
		}
	}
	t.mu.RLock()
	e, ok := lookup(t.entries, modelID)
	t.mu.RUnlock()
	if ok {
		return e, true
	}
	if t.fallback != nil {
		return t.fallback.Lookup(ctx, modelID)
	}
	return Entry{}, false
}

// Refresh reloads the table. Concurrent callers share one load.
func (t *RefreshingTable) Refresh(ctx context.Context) error {
	_, err, _ := t.group.Do("refresh", func() (any, error) {
		if !t.stale() {
			return nil, nil
		}
		// The load is shared, so it must outlive the caller that started it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		entries, err := t.source.Load(ctx)
		t.mu.Lock()
		defer t.mu.Unlock()
		// A failed load still moves loadedAt so a broken source is not hit on every lookup.
		t.loadedAt = t.now()
		if err != nil {
			return nil, err
		}
		t.entries = index(entries)
		log.Debug().Int("models", len(entries)).Msg("pricing table refreshed")
		return nil, nil
	})
	return err
}

func (t *RefreshingTable) stale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loadedAt.IsZero() || t.now().Sub(t.loadedAt) >= t.interval
}

// =============================================================================
// SOURCES
// =============================================================================

// priceList is the document format shared by file and HTTP sources.
// YAML is a superset of JSON, so both encodings are accepted.
type priceList struct {
	Models []Entry `yaml:"models"`
}

func parsePriceList(data []byte) ([]Entry, error) {
	var list priceList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse price list: %w", err)
	}
	for i, e := range list.Models {
		if e.ModelID == "" {
			return nil, fmt.Errorf("price list entry %d has no model_id", i)
		}
		if e.InputCostPerToken < 0 || e.OutputCostPerToken < 0 {
			return nil, fmt.Errorf("price list entry %q has a negative price", e.ModelID)
		}
	}
	return list.Models, nil
}

// FileSource reads a YAML or JSON price list from disk.
type FileSource struct {
	Path string
}

// Load implements Source.
func (s FileSource) Load(_ context.Context) ([]Entry, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price list: %w", err)
	}
	return parsePriceList(data)
}

// HTTPSource fetches a price list over HTTP.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// Load implements Source.
func (s HTTPSource) Load(ctx context.Context) ([]Entry, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build price list request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price list returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read price list: %w", err)
	}
	return parsePriceList(data)
}

var (
	_ Table  = (*StaticTable)(nil)
	_ Table  = (*RefreshingTable)(nil)
	_ Source = FileSource{}
	_ Source = HTTPSource{}
)
