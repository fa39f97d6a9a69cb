// Package auditkit appends decision records and session snapshots to a
// durable sink. Appends are best-effort and never block the request path:
// records flow through a bounded buffer drained by a background writer,
// and overflow is counted rather than waited on.
package auditkit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/gatekit/core"
	metricskit "github.com/open-rails/gatekit/metrics"
	sessionkit "github.com/open-rails/gatekit/session"
)

// Record is one decision audit entry.
type Record struct {
	ID            string         `json:"id"`
	Session       core.SessionID `json:"session"`
	Subject       string         `json:"subject"`
	ActorChain    []string       `json:"actor_chain,omitempty"`
	Audience      string         `json:"audience,omitempty"`
	Proof         core.ProofMeta `json:"proof,omitempty"`
	Resource      string         `json:"resource"`
	Action        string         `json:"action"`
	Effect        core.Effect    `json:"effect"`
	Reason        core.Code      `json:"reason,omitempty"`
	Rationale     string         `json:"rationale,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	Degraded      bool           `json:"degraded,omitempty"`
	Replay        bool           `json:"replay,omitempty"`
	LatencyMicros int64          `json:"latency_micros"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Sink is the durable audit backend.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	FlushSessions(ctx context.Context, snaps []sessionkit.Snapshot) error
	Close() error
}

// Recorder buffers records in front of a Sink so the pipeline never waits
// on storage. A full buffer drops the record and counts the drop.
type Recorder struct {
	sink    Sink
	log     *logrus.Logger
	metrics *metricskit.Registry
	buf     chan Record
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder starts the background writer. bufSize 0 defaults to 4096.
func NewRecorder(sink Sink, bufSize int, log *logrus.Logger, metrics *metricskit.Registry) *Recorder {
	if bufSize <= 0 {
		bufSize = 4096
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Recorder{
		sink:    sink,
		log:     log,
		metrics: metrics,
		buf:     make(chan Record, bufSize),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record enqueues without blocking. Missing IDs and timestamps are filled
// in here.
func (r *Recorder) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	select {
	case r.buf <- rec:
	default:
		r.metrics.IncAuditDropped()
		r.log.WithField("record_id", rec.ID).Warn("audit buffer full, dropping record")
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.buf:
			r.append(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.buf:
					r.append(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) append(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.sink.Append(ctx, rec); err != nil {
		r.metrics.IncAuditDropped()
		r.log.WithFields(logrus.Fields{"record_id": rec.ID, "error": err}).Warn("audit append failed")
	}
}

// Close drains the buffer and stops the writer.
func (r *Recorder) Close() error {
	close(r.done)
	r.wg.Wait()
	return r.sink.Close()
}
