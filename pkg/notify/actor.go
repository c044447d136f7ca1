package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// ConfirmationActor serializes confirmation sends through one mailbox, so a
// slow provider backs up the queue instead of the reconciliation paths.
type ConfirmationActor struct {
	sender Sender
	logger *zap.Logger
}

type sendConfirmation struct {
	confirmation *Confirmation
}

type sendResult struct {
	err error
}

func (a *ConfirmationActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *sendConfirmation:
		err := a.sender.Send(msg.confirmation)
		if err != nil {
			a.logger.Error("Confirmation delivery failed",
				zap.String("order_number", msg.confirmation.OrderNumber),
				zap.Error(err))
		}
		ctx.Respond(&sendResult{err: err})

	case *actor.Started:
		a.logger.Info("Confirmation actor started")

	case *actor.Stopped:
		a.logger.Info("Confirmation actor stopped")
	}
}

// ActorDispatcher fronts the confirmation actor with the Dispatcher
// interface the reconciliation engine expects.
type ActorDispatcher struct {
	system  *actor.ActorSystem
	pid     *actor.PID
	timeout time.Duration
}

func NewActorDispatcher(system *actor.ActorSystem, sender Sender, logger *zap.Logger) (*ActorDispatcher, error) {
	props := actor.PropsFromProducer(func() actor.Actor {
		return &ConfirmationActor{sender: sender, logger: logger.Named("confirmation-actor")}
	})
	pid, err := system.Root.SpawnNamed(props, "confirmation-actor")
	if err != nil {
		return nil, fmt.Errorf("failed to spawn confirmation actor: %w", err)
	}

	return &ActorDispatcher{
		system:  system,
		pid:     pid,
		timeout: 5 * time.Second,
	}, nil
}

func (d *ActorDispatcher) SendConfirmation(ctx context.Context, c *Confirmation) error {
	future := d.system.Root.RequestFuture(d.pid, &sendConfirmation{confirmation: c}, d.timeout)
	result, err := future.Result()
	if err != nil {
		return err
	}
	if res, ok := result.(*sendResult); ok && res.err != nil {
		return res.err
	}
	return nil
}

// LogSender is the default delivery backend: it records the send and
// succeeds. Real deployments plug in a mail provider here.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(c *Confirmation) error {
	s.logger.Info("Order confirmation sent",
		zap.String("recipient", c.RecipientEmail),
		zap.String("order_number", c.OrderNumber),
		zap.Int("line_count", len(c.Lines)),
		zap.Float64("total", c.Total))
	return nil
}
