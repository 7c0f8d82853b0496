package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tavru/escvpnet/internal/config"
	"github.com/tavru/escvpnet/internal/projector"
)

func newProjector(cfg *config.Config) *projector.Projector {
	p := cfg.Projector
	return projector.New(p.Host,
		projector.WithPort(p.Port),
		projector.WithConnectTimeout(p.ConnectTimeout()),
		projector.WithMonitorInterval(p.MonitorInterval()),
		projector.WithKeepaliveAfter(p.KeepaliveAfter()),
		projector.WithDeadAfter(p.DeadAfter()),
		projector.WithPowerOffQuiet(p.PowerOffQuiet()),
	)
}

// withSession runs fn against a freshly connected one-shot session.
func withSession(fn func(ctx context.Context, p *projector.Projector) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	p := newProjector(cfg)
	if err := p.ConnectOnce(ctx); err != nil {
		return err
	}
	defer p.Disconnect()

	return fn(ctx, p)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the projector's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, p *projector.Projector) error {
				snap := p.Snapshot()
				fmt.Printf("Serial number: %s\n", snap.SerialNumber)
				fmt.Printf("Power:         %s\n", snap.PowerStatus)
				fmt.Printf("Source:        %s\n", snap.Source)
				fmt.Printf("Sources:       %s\n", strings.Join(snap.Sources, ", "))
				return nil
			})
		},
	}
}

func identifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identify",
		Short: "Read the device serial number and exit",
		Long: `identify opens a connection, reads the serial number and closes again.
Pairing flows use the serial as a stable unique device id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			serial, err := projector.Identify(
				cmd.Context(),
				cfg.Projector.Host,
				cfg.Projector.Port,
				cfg.Projector.ConnectTimeout(),
			)
			if err != nil {
				return err
			}
			fmt.Println(serial)
			return nil
		},
	}
}

func powerCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "power {on|off}",
		Short:     "Turn the projector on or off",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, p *projector.Projector) error {
				return p.SetPower(ctx, args[0] == "on")
			})
		},
	}
}

func sourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "source <name>",
		Short: "Switch to the named input source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, p *projector.Projector) error {
				return p.SetSource(ctx, args[0])
			})
		},
	}
}

func lensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lens <slot>",
		Short: "Recall a lens memory slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("slot must be an integer: %q", args[0])
			}
			return withSession(func(ctx context.Context, p *projector.Projector) error {
				return p.LoadLensMemory(ctx, slot)
			})
		},
	}
}

func imageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "image <slot>",
		Short: "Recall a picture memory slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("slot must be an integer: %q", args[0])
			}
			return withSession(func(ctx context.Context, p *projector.Projector) error {
				return p.LoadImageMemory(ctx, slot)
			})
		},
	}
}
