package auditkit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/open-rails/gatekit/core"
	sessionkit "github.com/open-rails/gatekit/session"
)

type auditRow struct {
	bun.BaseModel `bun:"table:gateway_audit_records,alias:ar"`

	ID            string         `bun:"id,pk"`
	USID          string         `bun:"usid"`
	WSID          string         `bun:"wsid"`
	ASID          string         `bun:"asid"`
	MSID          string         `bun:"msid"`
	Subject       string         `bun:"subject"`
	ActorChain    []string       `bun:"actor_chain,type:jsonb"`
	Audience      string         `bun:"audience"`
	Proof         core.ProofMeta `bun:"proof,type:jsonb"`
	Resource      string         `bun:"resource"`
	Action        string         `bun:"action"`
	Effect        string         `bun:"effect"`
	Reason        string         `bun:"reason"`
	Rationale     string         `bun:"rationale"`
	PolicyVersion string         `bun:"policy_version"`
	Degraded      bool           `bun:"degraded"`
	Replay        bool           `bun:"replay"`
	LatencyMicros int64          `bun:"latency_micros"`
	CreatedAt     time.Time      `bun:"created_at"`
}

type sessionRow struct {
	bun.BaseModel `bun:"table:gateway_session_snapshots,alias:ss"`

	RecordID          string               `bun:"record_id,pk"`
	USID              string               `bun:"usid"`
	WSID              string               `bun:"wsid"`
	ASID              string               `bun:"asid"`
	MSID              string               `bun:"msid"`
	CreatedAt         time.Time            `bun:"created_at"`
	LastSeen          time.Time            `bun:"last_seen"`
	RiskScore         float64              `bun:"risk_score"`
	DistinctResources int                  `bun:"distinct_resources"`
	AnomalyFlags      []string             `bun:"anomaly_flags,type:jsonb"`
	Freshness         map[string]time.Time `bun:"freshness,type:jsonb"`
}

// PGSink appends audit records and session snapshots to Postgres via bun.
type PGSink struct {
	db *bun.DB
}

// NewPGSink opens a Postgres-backed sink from a pgx DSN.
func NewPGSink(dsn string) (*PGSink, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit sink dsn: %w", err)
	}
	sqldb := sql.OpenDB(stdlib.GetConnector(*cfg))
	return &PGSink{db: bun.NewDB(sqldb, pgdialect.New())}, nil
}

func (s *PGSink) Append(ctx context.Context, rec Record) error {
	row := &auditRow{
		ID:            rec.ID,
		USID:          rec.Session.USID,
		WSID:          rec.Session.WSID,
		ASID:          rec.Session.ASID,
		MSID:          rec.Session.MSID,
		Subject:       rec.Subject,
		ActorChain:    rec.ActorChain,
		Audience:      rec.Audience,
		Proof:         rec.Proof,
		Resource:      rec.Resource,
		Action:        rec.Action,
		Effect:        string(rec.Effect),
		Reason:        string(rec.Reason),
		Rationale:     rec.Rationale,
		PolicyVersion: rec.PolicyVersion,
		Degraded:      rec.Degraded,
		Replay:        rec.Replay,
		LatencyMicros: rec.LatencyMicros,
		CreatedAt:     rec.CreatedAt,
	}
	_, err := s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

func (s *PGSink) FlushSessions(ctx context.Context, snaps []sessionkit.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([]sessionRow, 0, len(snaps))
	for _, snap := range snaps {
		rows = append(rows, sessionRow{
			RecordID:          snap.RecordID,
			USID:              snap.ID.USID,
			WSID:              snap.ID.WSID,
			ASID:              snap.ID.ASID,
			MSID:              snap.ID.MSID,
			CreatedAt:         snap.CreatedAt,
			LastSeen:          snap.LastSeen,
			RiskScore:         snap.RiskScore,
			DistinctResources: snap.DistinctResources,
			AnomalyFlags:      snap.AnomalyFlags,
			Freshness:         snap.Freshness,
		})
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (record_id) DO UPDATE").
		Set("last_seen = EXCLUDED.last_seen").
		Set("risk_score = EXCLUDED.risk_score").
		Set("distinct_resources = EXCLUDED.distinct_resources").
		Set("anomaly_flags = EXCLUDED.anomaly_flags").
		Set("freshness = EXCLUDED.freshness").
		Exec(ctx)
	return err
}

func (s *PGSink) Close() error { return s.db.Close() }
