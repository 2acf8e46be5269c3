// Package idempotency guarantees that a caller-supplied key has at most one
// effect. Records live in the shared kv store so the guarantee holds across
// processes.
package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/assetafk/bankir/internal/config"
	"github.com/assetafk/bankir/internal/kv"
	"github.com/assetafk/bankir/internal/logging"
)

const (
	keyPrefix    = "idempotency:v1:"
	maxKeyLength = 255
)

var (
	ErrKeyRequired = errors.New("idempotency key is required")
	ErrKeyTooLong  = fmt.Errorf("idempotency key exceeds %d characters", maxKeyLength)
	// ErrKeyReuse means the key was already used for a different request payload.
	ErrKeyReuse = errors.New("idempotency key reused with a different request")
	// ErrReservationLost is returned by Complete when the processing marker
	// expired or was replaced before the response could be stored.
	ErrReservationLost = errors.New("idempotency reservation lost")
)

// State of a stored record.
type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
)

// Outcome of Begin.
type Outcome int

const (
	// Fresh means the caller owns the key and must run the operation.
	Fresh Outcome = iota
	// Cached means the operation already completed; Decision.Response holds its result.
	Cached
	// Conflict means another call is processing the same key right now.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Cached:
		return "cached"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type record struct {
	State       State           `json:"state"`
	Marker      string          `json:"marker"`
	RequestHash string          `json:"request_hash"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Reservation identifies the processing record created by a Fresh Begin.
// Only its holder can complete or abort it.
type Reservation struct {
	key     string
	payload string
	rec     record
}

// Key returns the storage key of the reservation.
func (r Reservation) Key() string { return r.key }

// Decision is the result of Begin.
type Decision struct {
	Outcome     Outcome
	Response    json.RawMessage
	Reservation Reservation
}

// Coordinator implements begin / complete / abort over a kv.Store.
type Coordinator struct {
	store  kv.Store
	cfg    config.Idempotency
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator builds a coordinator; zero settings fall back to the defaults.
func NewCoordinator(store kv.Store, cfg config.Idempotency, logger *slog.Logger) *Coordinator {
	def := config.DefaultIdempotency()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = def.ProcessingTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Coordinator{
		store:  store,
		cfg:    cfg,
		logger: logging.Component(logger, "idempotency"),
		now:    time.Now,
	}
}

// ValidateKey checks the caller-supplied key.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrKeyRequired
	}
	if len(key) > maxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// HashRequest fingerprints the request fields that must match on a replay.
func HashRequest(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func storageKey(owner int64, key string) string {
	return keyPrefix + strconv.FormatInt(owner, 10) + ":" + key
}

// Begin claims (owner, key) for a new operation or reports that it was
// already claimed. It never blocks longer than the configured timeout.
func (c *Coordinator) Begin(ctx context.Context, owner int64, key, requestHash string) (Decision, error) {
	if err := ValidateKey(key); err != nil {
		return Decision{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	now := c.now().UTC()
	rec := record{
		State:       StateProcessing,
		Marker:      uuid.NewString(),
		RequestHash: requestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.ProcessingTTL),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Decision{}, fmt.Errorf("encode idempotency record: %w", err)
	}

	skey := storageKey(owner, key)
	claimed, err := c.store.SetNX(ctx, skey, string(payload), c.cfg.ProcessingTTL)
	if err != nil {
		return Decision{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return Decision{Outcome: Fresh, Reservation: Reservation{key: skey, payload: string(payload), rec: rec}}, nil
	}

	raw, err := c.store.Get(ctx, skey)
	if errors.Is(err, kv.ErrNotFound) {
		// The holder aborted or the record expired between SETNX and GET.
		return Decision{Outcome: Conflict}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("read idempotency record: %w", err)
	}

	var existing record
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return Decision{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	if existing.RequestHash != requestHash {
		return Decision{}, ErrKeyReuse
	}
	if existing.State == StateCompleted {
		return Decision{Outcome: Cached, Response: existing.Response}, nil
	}
	return Decision{Outcome: Conflict}, nil
}

// Complete stores response under the reservation and starts the retention
// window, after which the key may be reused.
func (c *Coordinator) Complete(ctx context.Context, r Reservation, response any) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	done := r.rec
	done.State = StateCompleted
	done.Response = body
	done.ExpiresAt = c.now().UTC().Add(c.cfg.TTL)
	payload, err := json.Marshal(done)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}

	swapped, err := c.store.CompareAndSwap(ctx, r.key, r.payload, string(payload), c.cfg.TTL)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if !swapped {
		return ErrReservationLost
	}
	return nil
}

// Abort clears the processing marker so the key can be reused. A record that
// is no longer ours is left alone.
func (c *Coordinator) Abort(ctx context.Context, r Reservation) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	deleted, err := c.store.CompareAndDelete(ctx, r.key, r.payload)
	if err != nil {
		return fmt.Errorf("abort idempotency key: %w", err)
	}
	if !deleted {
		c.logger.Warn("idempotency reservation already gone", slog.String("key", r.key))
	}
	return nil
}
