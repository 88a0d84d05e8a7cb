package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	dispatchcommand "github.com/goliatone/go-dispatch/command"
	"github.com/goliatone/go-dispatch/query"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so they can also be executed as queued jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// SubscribeQuery only wires the dispatcher. Queries are not mirrored into
// the registry, which holds mutating commands for queue resolvers.
func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...), nil
}

// Services groups the coordinator components exposed on the bus. Nil
// components are skipped.
type Services struct {
	Queue interface {
		dispatchcommand.QueueService
		query.QueueReader
	}
	Intake interface {
		dispatchcommand.IntakeService
		query.ReceiptReader
	}
	Jobs interface {
		dispatchcommand.JobService
		query.JobReader
	}
}

// Bindings holds the subscriptions created by RegisterCoordinator.
type Bindings struct {
	subscriptions []commanddispatcher.Subscription
}

func (b *Bindings) Len() int {
	if b == nil {
		return 0
	}
	return len(b.subscriptions)
}

func (b *Bindings) Unsubscribe() {
	if b == nil {
		return
	}
	for _, subscription := range b.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Bindings) add(subscription commanddispatcher.Subscription, err error) error {
	if err != nil {
		return err
	}
	b.subscriptions = append(b.subscriptions, subscription)
	return nil
}

// RegisterCoordinator registers every dispatch command and subscribes the
// read queries. On error, subscriptions made so far are removed.
func RegisterCoordinator(adapter *RegistryAdapter, services Services, runnerOpts ...runner.Option) (*Bindings, error) {
	bindings := &Bindings{}
	steps := []func() error{}

	if services.Queue != nil {
		queue := services.Queue
		steps = append(steps,
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewPublishCommand(queue), runnerOpts...))
			},
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewEnqueueCommand(queue), runnerOpts...))
			},
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewReportSuccessCommand(queue), runnerOpts...))
			},
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewReportFailureCommand(queue), runnerOpts...))
			},
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewReapExpiredLeasesCommand(queue), runnerOpts...))
			},
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewRequeueFailedCommand(queue), runnerOpts...))
			},
			func() error {
				return bindings.add(SubscribeQuery(query.NewGetQueueEntryQuery(queue), runnerOpts...))
			},
			func() error {
				return bindings.add(SubscribeQuery(query.NewQueueStatsQuery(queue), runnerOpts...))
			},
			func() error {
				return bindings.add(SubscribeQuery(query.NewGetEventQuery(queue), runnerOpts...))
			},
		)
	}
	if services.Intake != nil {
		intake := services.Intake
		steps = append(steps,
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewAdmitWebhookCommand(intake), runnerOpts...))
			},
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewMarkReceiptProcessedCommand(intake), runnerOpts...))
			},
			func() error {
				return bindings.add(SubscribeQuery(query.NewGetReceiptQuery(intake), runnerOpts...))
			},
			func() error {
				return bindings.add(SubscribeQuery(query.NewListStuckReceiptsQuery(intake), runnerOpts...))
			},
		)
	}
	if services.Jobs != nil {
		jobs := services.Jobs
		steps = append(steps,
			func() error {
				return bindings.add(RegisterAndSubscribe(adapter, dispatchcommand.NewReleaseJobCommand(jobs), runnerOpts...))
			},
			func() error {
				return bindings.add(SubscribeQuery(query.NewGetJobStateQuery(jobs), runnerOpts...))
			},
		)
	}

	for _, step := range steps {
		if err := step(); err != nil {
			bindings.Unsubscribe()
			return nil, err
		}
	}
	return bindings, nil
}
