package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"mediaforge/models"
	"mediaforge/serial"
)

func newSerialCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Inspect or change the serial counters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <kind>",
		Short: "Print the serial the next conversion of kind will use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAllocator(ctx, args[0], false, func(a *serial.Allocator, kind models.Kind) error {
				s, err := a.Read(kind)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "next <kind>",
		Short: "Print the serial after the current one without changing the counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAllocator(ctx, args[0], false, func(a *serial.Allocator, kind models.Kind) error {
				s, err := a.Next(kind)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <kind> <serial>",
		Short: "Overwrite the counter of kind; fails while a server owns the data directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAllocator(ctx, args[0], true, func(a *serial.Allocator, kind models.Kind) error {
				if err := a.Write(kind, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s serial set to %s\n", kind, args[1])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "allocate <kind>",
		Short: "Consume one serial and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAllocator(ctx, args[0], true, func(a *serial.Allocator, kind models.Kind) error {
				s, err := a.Allocate(kind)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			})
		},
	})
	return cmd
}

// withAllocator resolves kind and runs fn. Writers take the data directory
// lock so they never race a running server.
func withAllocator(ctx *commandContext, kindArg string, write bool, fn func(*serial.Allocator, models.Kind) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	kind, err := models.ParseKind(kindArg)
	if err != nil {
		return err
	}
	if write {
		lock, err := serial.LockDir(cfg.LockPath())
		if err != nil {
			return fmt.Errorf("%w (use PUT /serial on the running server)", err)
		}
		defer lock.Unlock()
	}
	return fn(newAllocator(cfg), kind)
}
