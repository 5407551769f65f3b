package hwstats

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Reading is the document a File source decodes on every pull.
type Reading struct {
	Wifi         model.ActivityEnergyInfo `yaml:"wifi"`
	Bluetooth    model.ActivityEnergyInfo `yaml:"bluetooth"`
	Modem        model.ActivityEnergyInfo `yaml:"modem"`
	Rails        model.RailStats          `yaml:"rails"`
	PlatformIdle string                   `yaml:"platform_idle"`
}

// File re-reads a YAML document per pull. A vendor agent or test harness
// rewrites the file with fresh cumulative counters.
type File struct {
	path string
}

func NewFile(path string) *File { return &File{path: path} }

func (f *File) read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return Reading{}, fmt.Errorf("read hardware file: %w", err)
	}
	var r Reading
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Reading{}, fmt.Errorf("parse hardware file: %w", err)
	}
	return r, nil
}

func (f *File) LowPowerStats(ctx context.Context) (model.RailStats, error) {
	r, err := f.read(ctx)
	return r.Rails, err
}

func (f *File) PlatformIdleStats(ctx context.Context) (string, error) {
	r, err := f.read(ctx)
	return r.PlatformIdle, err
}

func (f *File) WifiActivity(ctx context.Context) (model.ActivityEnergyInfo, error) {
	r, err := f.read(ctx)
	return r.Wifi, err
}

func (f *File) BluetoothActivity(ctx context.Context) (model.ActivityEnergyInfo, error) {
	r, err := f.read(ctx)
	return r.Bluetooth, err
}

func (f *File) ModemActivity(ctx context.Context) (model.ActivityEnergyInfo, error) {
	r, err := f.read(ctx)
	return r.Modem, err
}
