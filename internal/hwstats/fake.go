package hwstats

import (
	"context"
	"sync"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

// Fake replays programmed readings. Each Set* call replaces the value returned
// by subsequent pulls; Err* forces a read failure. Pull counts are recorded
// per subsystem.
type Fake struct {
	mu        sync.Mutex
	wifi      model.ActivityEnergyInfo
	bluetooth model.ActivityEnergyInfo
	modem     model.ActivityEnergyInfo
	rails     model.RailStats
	idle      string
	errs      map[string]error
	pulls     map[string]int
}

func (f *Fake) SetWifi(v model.ActivityEnergyInfo)      { f.set(func() { f.wifi = v }) }
func (f *Fake) SetBluetooth(v model.ActivityEnergyInfo) { f.set(func() { f.bluetooth = v }) }
func (f *Fake) SetModem(v model.ActivityEnergyInfo)     { f.set(func() { f.modem = v }) }
func (f *Fake) SetRails(v model.RailStats)              { f.set(func() { f.rails = v }) }
func (f *Fake) SetPlatformIdle(v string)                { f.set(func() { f.idle = v }) }

// SetErr makes pulls of subsystem ("wifi", "bluetooth", "modem", "rail",
// "idle") fail with err. A nil err clears it.
func (f *Fake) SetErr(subsystem string, err error) {
	f.set(func() {
		if f.errs == nil {
			f.errs = map[string]error{}
		}
		f.errs[subsystem] = err
	})
}

// Pulls reports how many times subsystem was read.
func (f *Fake) Pulls(subsystem string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls[subsystem]
}

func (f *Fake) set(fn func()) {
	f.mu.Lock()
	fn()
	f.mu.Unlock()
}

func (f *Fake) pull(subsystem string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pulls == nil {
		f.pulls = map[string]int{}
	}
	f.pulls[subsystem]++
	return f.errs[subsystem]
}

func (f *Fake) LowPowerStats(context.Context) (model.RailStats, error) {
	if err := f.pull("rail"); err != nil {
		return model.RailStats{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.rails
	out.Rails = append([]model.RailEnergy(nil), f.rails.Rails...)
	return out, nil
}

func (f *Fake) PlatformIdleStats(context.Context) (string, error) {
	if err := f.pull("idle"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle, nil
}

func (f *Fake) WifiActivity(context.Context) (model.ActivityEnergyInfo, error) {
	return f.activity("wifi", &f.wifi)
}

func (f *Fake) BluetoothActivity(context.Context) (model.ActivityEnergyInfo, error) {
	return f.activity("bluetooth", &f.bluetooth)
}

func (f *Fake) ModemActivity(context.Context) (model.ActivityEnergyInfo, error) {
	return f.activity("modem", &f.modem)
}

func (f *Fake) activity(subsystem string, v *model.ActivityEnergyInfo) (model.ActivityEnergyInfo, error) {
	if err := f.pull(subsystem); err != nil {
		return model.ActivityEnergyInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return *v, nil
}
