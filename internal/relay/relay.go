// Package relay runs the long-lived process: it connects the platform
// adapters and pumps their inbound messages into the orchestrator.
package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/zulandar/porter/internal/orchestrator"
	"github.com/zulandar/porter/internal/surface"
)

// Handler consumes one inbound message. *orchestrator.Orchestrator is
// the production implementation.
type Handler interface {
	Handle(ctx context.Context, req orchestrator.Request) error
}

// Daemon connects one or more surface adapters and feeds the
// orchestrator. Each inbound message runs in its own goroutine; the
// orchestrator's lock manager serializes per conversation, so a busy
// conversation never stalls the others.
type Daemon struct {
	adapters []surface.Adapter
	handler  Handler
	out      io.Writer
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Adapters []surface.Adapter
	Handler  Handler
	Out      io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("relay: at least one adapter is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("relay: handler is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{adapters: opts.Adapters, handler: opts.Handler, out: out}, nil
}

// Run connects every adapter and pumps inbound messages until the
// context is cancelled. In-flight passes finish before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Porter connecting...\n")

	type pump struct {
		adapter surface.Adapter
		inbound <-chan surface.Inbound
	}
	var pumps []pump

	for _, adapter := range d.adapters {
		if err := adapter.Connect(ctx); err != nil {
			d.closeAll()
			return fmt.Errorf("relay: connect %s: %w", adapter.Name(), err)
		}
		inbound, err := adapter.Listen(ctx)
		if err != nil {
			d.closeAll()
			return fmt.Errorf("relay: listen %s: %w", adapter.Name(), err)
		}
		pumps = append(pumps, pump{adapter: adapter, inbound: inbound})
		fmt.Fprintf(d.out, "Porter online: %s\n", adapter.Name())
	}

	var inflight sync.WaitGroup
	var pumping sync.WaitGroup

	for _, p := range pumps {
		pumping.Add(1)
		go func(p pump) {
			defer pumping.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-p.inbound:
					if !ok {
						log.Printf("relay: %s inbound channel closed", p.adapter.Name())
						return
					}
					inflight.Add(1)
					go func(msg surface.Inbound) {
						defer inflight.Done()
						d.dispatch(ctx, p.adapter, msg)
					}(msg)
				}
			}
		}(p)
	}

	<-ctx.Done()
	fmt.Fprintf(d.out, "Porter shutting down...\n")
	pumping.Wait()
	inflight.Wait()
	d.closeAll()
	fmt.Fprintf(d.out, "Porter stopped\n")
	return nil
}

// dispatch runs one orchestrator pass for an inbound message. Errors
// returned here mean broken contracts or persistence failures; they are
// logged loudly and the message is dropped.
func (d *Daemon) dispatch(ctx context.Context, adapter surface.Adapter, msg surface.Inbound) {
	err := d.handler.Handle(ctx, orchestrator.Request{
		Platform:       msg.Platform,
		ConversationID: msg.ConversationID,
		UserName:       msg.UserName,
		Text:           msg.Text,
		Context:        msg.Context,
		Sink:           adapter.Sink(msg.ConversationID),
	})
	if err != nil {
		log.Printf("relay: %s/%s: pass failed: %v", msg.Platform, msg.ConversationID, err)
	}
}

// closeAll closes every adapter, logging failures.
func (d *Daemon) closeAll() {
	for _, adapter := range d.adapters {
		if err := adapter.Close(); err != nil {
			log.Printf("relay: close %s: %v", adapter.Name(), err)
		}
	}
}
