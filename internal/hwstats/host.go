package hwstats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

// DefaultPowercapRoot is where Linux exposes RAPL energy zones.
const DefaultPowercapRoot = "/sys/class/powercap"

// Host reads rail energy from powercap zones and idle stats from the kernel
// CPU accounting. Hosts have no radio controllers to query, so the activity
// readers report Valid=false.
type Host struct {
	root string
}

func NewHost(powercapRoot string) *Host {
	return &Host{root: powercapRoot}
}

// LowPowerStats reads every <root>/<zone>/energy_uj. A zone's energy_uj is in
// microjoules, which is the same unit as microwatt-seconds. The counter wraps
// at max_energy_range_uj when the zone reports one.
func (h *Host) LowPowerStats(ctx context.Context) (model.RailStats, error) {
	if err := ctx.Err(); err != nil {
		return model.RailStats{}, err
	}
	paths, err := filepath.Glob(filepath.Join(h.root, "*", "energy_uj"))
	if err != nil {
		return model.RailStats{}, fmt.Errorf("glob powercap: %w", err)
	}
	if len(paths) == 0 {
		return model.RailStats{Valid: false}, nil
	}
	sort.Strings(paths)

	out := model.RailStats{Valid: true}
	for _, p := range paths {
		dir := filepath.Dir(p)
		uj, err := readInt(p)
		if err != nil {
			return model.RailStats{}, fmt.Errorf("read %s: %w", p, err)
		}
		zone := filepath.Base(dir)
		name := zone
		if b, err := os.ReadFile(filepath.Join(dir, "name")); err == nil {
			if n := strings.TrimSpace(string(b)); n != "" {
				name = n
			}
		}
		rail := model.RailEnergy{
			Name:      zone + ":" + name,
			Subsystem: name,
			EnergyUWs: uj,
		}
		if rng, err := readInt(filepath.Join(dir, "max_energy_range_uj")); err == nil && rng > 0 {
			rail.MaxEnergyUWs = rng
		}
		out.Rails = append(out.Rails, rail)
	}
	return out, nil
}

// PlatformIdleStats summarises aggregate CPU time as "key=seconds" pairs.
func (h *Host) PlatformIdleStats(ctx context.Context) (string, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return "", fmt.Errorf("cpu times: %w", err)
	}
	if len(times) == 0 {
		return "", nil
	}
	t := times[0]
	return fmt.Sprintf("idle=%.2f iowait=%.2f user=%.2f system=%.2f irq=%.2f",
		t.Idle, t.Iowait, t.User, t.System, t.Irq), nil
}

func (h *Host) WifiActivity(context.Context) (model.ActivityEnergyInfo, error) {
	return model.ActivityEnergyInfo{}, nil
}

func (h *Host) BluetoothActivity(context.Context) (model.ActivityEnergyInfo, error) {
	return model.ActivityEnergyInfo{}, nil
}

func (h *Host) ModemActivity(context.Context) (model.ActivityEnergyInfo, error) {
	return model.ActivityEnergyInfo{}, nil
}

func readInt(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}
