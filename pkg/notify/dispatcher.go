package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PhoneCaller places a voice alert. No provider is wired yet; LogCaller
// only records the request.
type PhoneCaller interface {
	Call(ctx context.Context, phone, message string) error
}

type LogCaller struct {
	Logger *logrus.Logger
}

func (c LogCaller) Call(_ context.Context, phone, message string) error {
	c.Logger.WithField("phone", phone).Info("Phone alert requested: " + message)
	return nil
}

// Dispatcher delivers alerts on their own goroutines so trading never
// waits on a mail relay.
type Dispatcher struct {
	sender  Sender
	caller  PhoneCaller
	timeout time.Duration
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, caller PhoneCaller, timeout time.Duration, logger *logrus.Logger) *Dispatcher {
	if caller == nil {
		caller = LogCaller{Logger: logger}
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Dispatcher{sender: sender, caller: caller, timeout: timeout, logger: logger}
}

func (d *Dispatcher) Dispatch(alert Alert) {
	if d.sender == nil || len(alert.To) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.sender.Send(ctx, alert); err != nil {
			d.logger.WithField("subject", alert.Subject).WithError(err).Error("Failed to deliver alert")
		}
	}()
}

func (d *Dispatcher) Call(phone, message string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.caller.Call(ctx, phone, message); err != nil {
			d.logger.WithField("phone", phone).WithError(err).Error("Failed to place phone alert")
		}
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
