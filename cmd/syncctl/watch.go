package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/client"
	"tasksync/internal/logging"
	"tasksync/internal/wire"
)

var watchedEvents = []string{
	wire.EventConnected,
	wire.EventDisconnected,
	wire.EventPresenceSnapshot,
	wire.EventEntityChanged,
	wire.EventEntityDeleted,
	wire.EventNotification,
	wire.EventNotificationRead,
	wire.EventError,
}

func watchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [roomId...]",
		Short: "Join rooms and print every frame received until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			printer := &framePrinter{out: cmd.OutOrStdout()}
			handlers := make(map[string][]client.Handler, len(watchedEvents))
			for _, eventType := range watchedEvents {
				handlers[eventType] = []client.Handler{printer.print}
			}
			m, err := flags.connect(ctx, handlers)
			if err != nil {
				return err
			}
			defer m.Disconnect()

			for _, roomID := range args {
				if err := m.JoinRoom(roomID); err != nil {
					return err
				}
			}

			<-ctx.Done()
			return nil
		},
	}
}

func editCmd(flags *rootFlags) *cobra.Command {
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "edit <roomId> <entityId>",
		Short: "Announce editing an entity, then stop after --hold or on interrupt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, entityID := args[0], args[1]
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			printer := &framePrinter{out: cmd.OutOrStdout()}
			m, err := flags.connect(ctx, map[string][]client.Handler{
				wire.EventPresenceSnapshot: {printer.print},
				wire.EventError:            {printer.print},
			})
			if err != nil {
				return err
			}
			defer m.Disconnect()

			if err := m.JoinRoom(roomID); err != nil {
				return err
			}
			if err := m.Send(wire.EventStartEditing, wire.EditingPayload{RoomID: roomID, EntityID: entityID}); err != nil {
				return err
			}

			timer := time.NewTimer(hold)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			return m.Send(wire.EventStopEditing, wire.EditingPayload{RoomID: roomID, EntityID: entityID})
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "How long to hold the editing marker")
	return cmd
}

func (f *rootFlags) connect(ctx context.Context, handlers map[string][]client.Handler) (*client.Manager, error) {
	if err := f.requireToken(); err != nil {
		return nil, err
	}
	logger, err := logging.New(f.logLevel, "console", os.Stderr)
	if err != nil {
		return nil, err
	}
	return client.Connect(ctx, f.token, client.Options{
		URL:      f.socketURL(),
		Logger:   logger,
		Handlers: handlers,
	})
}

// framePrinter serializes output from handlers running on the read loop.
type framePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *framePrinter) print(frame wire.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stamp := time.Now().Format(time.TimeOnly)
	if len(frame.Payload) == 0 {
		fmt.Fprintf(p.out, "%s %s\n", stamp, frame.Type)
		return
	}
	fmt.Fprintf(p.out, "%s %s %s\n", stamp, frame.Type, frame.Payload)
}
