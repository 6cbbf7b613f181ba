// Package notify delivers notification emails in the background. Rows in
// the notificaciones table are the source of truth; email is best effort.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"despacho/api/internal/store"
)

// Mailer is the email surface the dispatcher needs.
type Mailer interface {
	IsConfigured() bool
	SendRegistrationPending(to, adminName, userName, userEmail string) error
	SendAccountApproved(to, userName, role string) error
	SendCaseUpdate(to, userName, caseNumber, caseTitle, detail string) error
}

// Marker records which notifications got their email out.
type Marker interface {
	MarkNotificationEmailSent(ctx context.Context, notificationID int64) error
}

// Job is one email to deliver for a stored notification.
type Job struct {
	NotificationID int64
	Type           string
	To             string
	ToName         string

	// NUEVO_REGISTRO payload
	SubjectName  string
	SubjectEmail string

	// CUENTA_APROBADA payload
	Role string

	// case update payload
	CaseNumber string
	CaseTitle  string
	Detail     string
}

// Dispatcher drains a buffered queue with a single worker. When the queue
// is full new jobs are dropped; the in-app notification row already exists.
type Dispatcher struct {
	mailer Mailer
	marker Marker
	logger *zap.Logger
	jobs   chan Job
	wg     sync.WaitGroup
}

func NewDispatcher(mailer Mailer, marker Marker, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		mailer: mailer,
		marker: marker,
		logger: logger,
		jobs:   make(chan Job, 256),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Enqueue hands a job to the worker without blocking the request path.
func (d *Dispatcher) Enqueue(job Job) {
	if !d.mailer.IsConfigured() {
		return
	}
	select {
	case d.jobs <- job:
	default:
		d.logger.Warn("notification email queue full, dropping job",
			zap.Int64("notification_id", job.NotificationID),
			zap.String("type", job.Type))
	}
}

// Close stops accepting jobs and waits for the worker to drain the queue.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		err := d.send(job)
		if err != nil {
			time.Sleep(time.Second)
			err = d.send(job)
		}
		if err != nil {
			d.logger.Warn("notification email failed",
				zap.Int64("notification_id", job.NotificationID),
				zap.String("type", job.Type),
				zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.marker.MarkNotificationEmailSent(ctx, job.NotificationID); err != nil {
			d.logger.Warn("mark notification email sent",
				zap.Int64("notification_id", job.NotificationID),
				zap.Error(err))
		}
		cancel()
	}
}

func (d *Dispatcher) send(job Job) error {
	switch job.Type {
	case store.NotifyNewRegistration:
		return d.mailer.SendRegistrationPending(job.To, job.ToName, job.SubjectName, job.SubjectEmail)
	case store.NotifyAccountApproved:
		return d.mailer.SendAccountApproved(job.To, job.ToName, job.Role)
	default:
		return d.mailer.SendCaseUpdate(job.To, job.ToName, job.CaseNumber, job.CaseTitle, job.Detail)
	}
}
