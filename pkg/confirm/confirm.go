// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

// Package confirm implements the two-phase protocol for filter-scoped
// batch mutations. A dry-run computes the affected set and returns a
// signed token attesting to it; the destructive apply is only accepted
// with a token matching the same operation and filter.
package confirm

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/livetable/livetable/pkg/secret"
)

// Verification failure classes.
var (
	Error                  = errs.Class("confirm")
	ErrInvalidSignature    = errs.Class("confirm invalid signature")
	ErrExpired             = errs.Class("confirm token expired")
	ErrOperationMismatch   = errs.Class("confirm operation mismatch")
	ErrFilterMismatch      = errs.Class("confirm filter mismatch")
	ErrLimitExceeded       = errs.Class("confirm affected set too large")
	ErrIdempotencyMismatch = errs.Class("confirm idempotency mismatch")
)

// Operation is the batch operation a token is bound to.
type Operation string

// Confirmable operations.
const (
	OpBatchUpdate Operation = "batchUpdate"
	OpBatchDelete Operation = "batchDelete"
)

// Defaults.
const (
	DefaultMaxAffectedRecords = 1000
	DefaultTokenTTL           = 5 * time.Minute
	SampleSize                = 10
)

// sigLength is the number of hex characters of the keyed digest kept as
// the token signature.
const sigLength = 16

type payload struct {
	Op        Operation `json:"operation"`
	Resource  string    `json:"resource"`
	Filter    string    `json:"filterExpression"`
	IDs       []string  `json:"affectedIds"`
	IssuedAt  int64     `json:"issuedAt"`
	ExpiresAt int64     `json:"expiresAt"`
}

type envelope struct {
	payload
	Sig string `json:"sig"`
}

// Manager issues and verifies confirm tokens.
type Manager struct {
	key         *secret.Key
	ttl         time.Duration
	maxAffected int
	now         func() time.Time
}

// NewManager creates a manager signing with key. Zero ttl and maxAffected
// use the defaults.
func NewManager(key *secret.Key, ttl time.Duration, maxAffected int) *Manager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if maxAffected <= 0 {
		maxAffected = DefaultMaxAffectedRecords
	}
	return &Manager{key: key, ttl: ttl, maxAffected: maxAffected, now: time.Now}
}

// MaxAffected returns the affected-set cap.
func (m *Manager) MaxAffected() int { return m.maxAffected }

// Issue mints a token attesting that applying op with the filter affects
// exactly the given ids. It fails when the set exceeds the cap.
func (m *Manager) Issue(op Operation, resourceName, filterExpr string, affectedIDs []string) (token string, expiresAt time.Time, err error) {
	if len(affectedIDs) > m.maxAffected {
		return "", time.Time{}, ErrLimitExceeded.New("%d affected records exceed the limit of %d", len(affectedIDs), m.maxAffected)
	}

	issued := m.now()
	expiresAt = issued.Add(m.ttl)

	ids := append([]string{}, affectedIDs...)
	sort.Strings(ids)

	body := payload{
		Op:        op,
		Resource:  resourceName,
		Filter:    NormalizeFilter(filterExpr),
		IDs:       ids,
		IssuedAt:  issued.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}
	data, err := json.Marshal(envelope{payload: body, Sig: m.sign(body)})
	if err != nil {
		return "", time.Time{}, Error.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(data), expiresAt, nil
}

// Verify checks a token against the apply request and returns the affected
// ids it attests to. Signature is checked before any claim is trusted.
func (m *Manager) Verify(token string, op Operation, resourceName, filterExpr string) ([]string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidSignature.New("not a confirm token")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidSignature.New("not a confirm token")
	}
	if !hmac.Equal([]byte(env.Sig), []byte(m.sign(env.payload))) {
		return nil, ErrInvalidSignature.New("signature mismatch")
	}

	if m.now().After(time.Unix(env.ExpiresAt, 0)) {
		return nil, ErrExpired.New("token expired at %s", time.Unix(env.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}
	if env.Op != op || env.Resource != resourceName {
		return nil, ErrOperationMismatch.New("token was issued for %s on %q", env.Op, env.Resource)
	}
	if env.Filter != NormalizeFilter(filterExpr) {
		return nil, ErrFilterMismatch.New("token was issued for a different filter")
	}
	return env.IDs, nil
}

// CheckAffected compares the set the token attests to with the set the
// apply would touch now. Rows that disappeared since the dry-run are fine;
// rows that appeared are not, the caller must re-run the dry-run.
func (m *Manager) CheckAffected(tokenIDs, currentIDs []string) error {
	attested := make(map[string]bool, len(tokenIDs))
	for _, id := range tokenIDs {
		attested[id] = true
	}
	for _, id := range currentIDs {
		if !attested[id] {
			return ErrIdempotencyMismatch.New("record %q matches now but was not part of the dry-run", id)
		}
	}
	return nil
}

// sign tags the canonical payload with the first sigLength hex chars of a
// keyed HMAC, deliberately not a bare SHA-256 over payload||secret. The
// token is opaque and only round-trips through this server, so the wire
// shape is the same either way.
func (m *Manager) sign(body payload) string {
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(m.key.Sign(data))[:sigLength]
}

// NormalizeFilter is the canonical filter string compared between dry-run
// and apply.
func NormalizeFilter(expr string) string {
	return strings.TrimSpace(expr)
}

// Sample returns the first n ids in stable order for dry-run previews.
func Sample(ids []string, n int) []string {
	sorted := append([]string{}, ids...)
	sort.Strings(sorted)
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
