// Package store is the durable source of truth: Postgres-backed lookups and
// transactional mutations for keys, owners, policies, models, pricing,
// wallets, ledgers and usage events (spec §3).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/omniway/gateway/config"
)

// Store wraps the durable database connection pool.
type Store struct {
	DB *sql.DB
}

// Open connects to Postgres and tunes the pool the way Kelpejol's ledger
// does for its durable writer: bounded, short-lived connections so a
// degraded database fails fast instead of piling up goroutines.
func Open(cfg *config.Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Ping() error { return s.DB.Ping() }

// OwnerKind is the closed sum type for billing principals (spec §9: "closed
// sum type; all keys and SQL scopes pivot on it via explicit match").
type OwnerKind string

const (
	OwnerUser OwnerKind = "user"
	OwnerOrg  OwnerKind = "org"
)

// Owner identifies a billing principal.
type Owner struct {
	Kind OwnerKind
	ID   string
}

func (o Owner) String() string { return string(o.Kind) + ":" + o.ID }

// ApiKey is a persisted API key row. The plaintext secret is never stored;
// only its SHA-256 digest is.
type ApiKey struct {
	ID             string
	SecretHash     string
	KeyPrefix      string
	OwnerKind      OwnerKind
	OwnerID        string // user_id or project_id depending on OwnerKind semantics below
	ProjectOrgID   string // populated when this is a project-key; resolves Owner to (Org, ProjectOrgID)
	Scopes         []string
	AllowedModels  []string
	AllowedIPs     []string
	Active         bool
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
	LastUsedAt     *time.Time
	LastUsedIP     string
	UsageCount     int64
}

// Policy is the resolved effective admission/billing policy for an Owner
// (spec §3, §6).
type Policy struct {
	PerMinute        int
	PerHour          int
	PerDay           int
	DailyAllowance   int
	MaxConcurrent    int
	MaxInputTokens   int
	MaxOutputTokens  int
	MaxBodyBytes     int64
	HasStreaming     bool
	HasPriority      bool
	HasWalletAccess  bool
	AllowedModels    []string // empty means "all models"
	SubscriptionStat string   // ACTIVE, TRIALING, PAST_DUE, or "" for none
	WalletEnabled    bool
	WalletLocked     bool
}

// Model is a catalog entry.
type Model struct {
	ID                string
	UpstreamID        string
	Provider          string
	SupportsStreaming bool
	SupportsVision    bool
	SupportsTools     bool
	SupportsJSONMode  bool
	MaxContextTokens  int
	MaxOutputTokens   int
	Active            bool
	Deprecated        bool
}

// Pricing is a time-bounded per-model price record (spec §3).
type Pricing struct {
	ModelID       string
	InputPerM     int64 // cents per 1M input tokens
	OutputPerM    int64 // cents per 1M output tokens
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

// Wallet is the per-owner prepaid balance (spec §3).
type Wallet struct {
	OwnerKind     OwnerKind
	OwnerID       string
	BalanceCents  int64
	Locked        bool
	LockReason    string
	LockedAt      *time.Time
	LifetimeTopup int64
	LifetimeSpent int64
}

// MaxWalletBalance is the hard ceiling from spec §3 (2^53-1, kept
// representable in a float64 on any client language).
const MaxWalletBalance int64 = (1 << 53) - 1

// LedgerTxType enumerates wallet ledger transaction kinds (spec §3).
type LedgerTxType string

const (
	TxCharge         LedgerTxType = "CHARGE"
	TxTopUp          LedgerTxType = "TOPUP"
	TxRefund         LedgerTxType = "REFUND"
	TxAdminAdjust    LedgerTxType = "ADMIN_ADJUSTMENT"
	TxChargeback     LedgerTxType = "CHARGEBACK"
)

// LedgerEntry is one append-only wallet mutation row.
type LedgerEntry struct {
	ID            string
	OwnerKind     OwnerKind
	OwnerID       string
	TxType        LedgerTxType
	AmountCents   int64 // signed
	BalanceAfter  int64
	RequestID     string
	Description   string
	CreatedAt     time.Time
}

// RequestStatus is the terminal outcome of one request (spec §3).
type RequestStatus string

const (
	StatusSuccess       RequestStatus = "SUCCESS"
	StatusClientError   RequestStatus = "CLIENT_ERROR"
	StatusUpstreamError RequestStatus = "UPSTREAM_ERROR"
	StatusTimeout       RequestStatus = "TIMEOUT"
	StatusRateLimited   RequestStatus = "RATE_LIMITED"
	StatusBillingBlock  RequestStatus = "BILLING_BLOCKED"
)

// BillingSource identifies what paid for a request.
type BillingSource string

const (
	SourceAllowance          BillingSource = "allowance"
	SourceWallet             BillingSource = "wallet"
	SourceNone               BillingSource = "none"
	SourceInsufficientWallet BillingSource = "insufficient_wallet"
	SourceLocked             BillingSource = "locked"
)

// RequestEvent is the immutable terminal record of one request (spec §3).
type RequestEvent struct {
	RequestID        string
	OwnerKind        OwnerKind
	OwnerID          string
	Model            string
	Provider         string
	Endpoint         string
	Status           RequestStatus
	StatusCode       int
	TotalMs          int64
	TTFBMs           *int64
	InputBytes       int64
	OutputBytes      int64
	InputTokens      int64
	OutputTokens     int64
	BillingSource    BillingSource
	CostCents        int64
	Streaming        bool
	ChunkCount       int64
	ClientIP         string
	UserAgent        string
	CreatedAt        time.Time
}

// UsageDaily is the per-owner daily aggregate (spec §3).
type UsageDaily struct {
	OwnerKind     OwnerKind
	OwnerID       string
	Date          string // YYYY-MM-DD UTC
	RequestCount  int64
	SuccessCount  int64
	ErrorCount    int64
	InTokens      int64
	OutTokens     int64
	CostCents     int64
	AllowanceUsed int64
}
