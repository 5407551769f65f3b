// Package hwstats reads cumulative energy and activity counters from the
// platform. The reconciler differences successive readings; sources only
// report what the hardware says.
package hwstats

import (
	"context"
	"fmt"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Source is the hardware stats capability the reconciler pulls from.
// A controller that cannot be read returns an error; one that reports itself
// unusable returns Valid=false.
type Source interface {
	LowPowerStats(ctx context.Context) (model.RailStats, error)
	PlatformIdleStats(ctx context.Context) (string, error)
	WifiActivity(ctx context.Context) (model.ActivityEnergyInfo, error)
	BluetoothActivity(ctx context.Context) (model.ActivityEnergyInfo, error)
	ModemActivity(ctx context.Context) (model.ActivityEnergyInfo, error)
}

// New builds the source selected by cfg.Type.
func New(cfg config.HardwareCfg) (Source, error) {
	switch cfg.Type {
	case "", "host":
		return NewHost(cfg.ExtraString("powercap_root", DefaultPowercapRoot)), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("hardware/file: path is required")
		}
		return NewFile(cfg.Path), nil
	case "fake":
		return &Fake{}, nil
	default:
		return nil, fmt.Errorf("hardware: unsupported type %q", cfg.Type)
	}
}
