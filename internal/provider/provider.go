// Package provider holds the per-provider integration adapters. Every
// third-party source (wearables, mail, chat, trackers) implements the same
// Adapter capability interface; everything downstream of the registry is
// provider-agnostic.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Normalized event categories. The common currency all downstream
// consumers operate on; adding a category does not touch adapters that
// never produce it.
const (
	CategorySleep     = "sleep"
	CategoryReadiness = "readiness"
	CategoryActivity  = "activity"
	CategoryGlucose   = "glucose"
	CategoryMessage   = "message"
	CategoryTask      = "task"
)

// NormalizedEvent is the provider-agnostic representation of one ingested
// record. Ephemeral, in-process only.
type NormalizedEvent struct {
	UserID        uuid.UUID
	Provider      string
	Category      string
	OccurredAt    time.Time
	Metrics       map[string]float64
	SourceEventID string
}

// WebhookMeta is what an adapter extracts from a structurally valid
// webhook body: the remote account it belongs to, the event class, and
// the deterministic dedupe key for the delivery.
type WebhookMeta struct {
	ProviderUserID string
	EventType      string
	DedupeKey      string
}

// FetchResult is one page of an incremental pull.
type FetchResult struct {
	Records []json.RawMessage
	Cursor  string
}

// OAuthConfig describes a provider's OAuth endpoints. Client credentials
// live in each adapter's own config; these are the provider constants.
type OAuthConfig struct {
	AuthURL   string
	TokenURL  string
	RevokeURL string
	Scopes    []string
}

// ErrMalformedWebhook is returned by ParseWebhook when the body does not
// match the provider's documented shape. The ingestor still acknowledges
// the delivery; the error only drives logging and audit.
var ErrMalformedWebhook = errors.New("malformed webhook payload")

// Adapter is the capability interface every provider integration
// implements.
type Adapter interface {
	Name() string

	// OAuth returns the provider's OAuth endpoints and default scopes.
	OAuth() OAuthConfig

	// Handshake answers provider subscription validation (GET challenge
	// echoes, Slack url_verification, Graph validationToken). Returns
	// true when the request was a handshake and has been answered.
	Handshake(w http.ResponseWriter, r *http.Request, body []byte) bool

	// VerifyWebhook checks the delivery's authenticity against the
	// provider's signature scheme. Providers without a scheme opt out
	// explicitly and always verify.
	VerifyWebhook(header http.Header, body []byte) bool

	// ParseWebhook extracts account, event type and dedupe key from a
	// delivery body.
	ParseWebhook(body []byte) (*WebhookMeta, error)

	// FetchIncremental pulls records changed since cursor. A stale or
	// absent cursor falls back to a bounded default lookback instead of
	// failing.
	FetchIncremental(ctx context.Context, accessToken, cursor string) (*FetchResult, error)

	// Normalize maps raw provider records to normalized events. Unknown
	// or malformed records are dropped with a logged reason, never fatal
	// to the batch.
	Normalize(records []json.RawMessage) []NormalizedEvent
}

// Registry is the lookup table of registered adapters. Adding a provider
// means registering an implementation here, not editing a dispatch chain.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name. Last registration wins.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get looks up an adapter by provider name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
