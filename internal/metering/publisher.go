package metering

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/makerstack/creditledger/internal/models"
)

const defaultQueueSize = 256

// Publisher lifecycle and intake errors.
var (
	ErrPublisherNotReady = errors.New("metering publisher: not started")
	ErrPublisherClosed   = errors.New("metering publisher: closed")
	ErrQueueFull         = errors.New("metering publisher: queue full")
)

const (
	stateIdle = iota
	stateReady
	stateClosed
)

// Publisher delivers reports to the sink from a bounded queue. It is
// constructed per process and handed to its users explicitly; there is no
// package-level instance. Enqueue never blocks: before Start or after Close
// it fails with a lifecycle error, and a full queue is reported to the
// caller, which simply retries on its next round.
type Publisher struct {
	db    *gorm.DB
	sink  Sink
	queue chan Report

	mu    sync.Mutex
	state int

	wg sync.WaitGroup
}

// NewPublisher constructs a publisher with a bounded report queue.
func NewPublisher(db *gorm.DB, sink Sink, queueSize int) *Publisher {
	if db == nil || sink == nil {
		return nil
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Publisher{
		db:    db,
		sink:  sink,
		queue: make(chan Report, queueSize),
	}
}

// Start launches the delivery worker. Starting twice is a no-op.
func (p *Publisher) Start(ctx context.Context) {
	if p == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.state != stateIdle {
		p.mu.Unlock()
		return
	}
	p.state = stateReady
	p.mu.Unlock()

	p.wg.Add(1)
	go p.deliver(ctx)
	log.Infof("metering publisher started (queue=%d)", cap(p.queue))
}

// Enqueue hands one report to the delivery worker without blocking.
func (p *Publisher) Enqueue(report Report) error {
	if p == nil {
		return ErrPublisherNotReady
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateIdle:
		return ErrPublisherNotReady
	case stateClosed:
		return ErrPublisherClosed
	}
	select {
	case p.queue <- report:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake, flushes queued reports and waits for the worker to
// finish. Safe to call more than once.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return
	}
	p.state = stateClosed
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Publisher) deliver(ctx context.Context) {
	defer p.wg.Done()
	for report := range p.queue {
		p.deliverOne(ctx, report)
	}
}

func (p *Publisher) deliverOne(ctx context.Context, report Report) {
	if errReport := p.sink.ReportCumulative(ctx, report); errReport != nil {
		log.WithError(errReport).Warnf("metering publisher: report failed (account=%d period=%s)", report.AccountID, report.PeriodStart.Format("2006-01"))
		return
	}
	if errRecord := p.recordReport(ctx, report); errRecord != nil {
		log.WithError(errRecord).Warnf("metering publisher: record report failed (account=%d)", report.AccountID)
	}
}

// recordReport upserts the last delivered total so the reconciler can skip
// unchanged periods on later rounds.
func (p *Publisher) recordReport(ctx context.Context, report Report) error {
	now := time.Now().UTC()
	row := models.MeterReport{
		AccountID:       report.AccountID,
		PeriodStart:     report.PeriodStart,
		ReportedCredits: report.Credits,
		ReportedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "period_start"}},
			DoUpdates: clause.AssignmentColumns([]string{"reported_credits", "reported_at", "updated_at"}),
		}).
		Create(&row).Error
}
