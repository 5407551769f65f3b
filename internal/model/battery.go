package model

// Battery status values.
const (
	BatteryStatusUnknown     = 1
	BatteryStatusCharging    = 2
	BatteryStatusDischarging = 3
	BatteryStatusNotCharging = 4
	BatteryStatusFull        = 5
)

// Plug types. PlugNone means the device runs on battery.
const (
	PlugNone     = 0
	PlugAC       = 1
	PlugUSB      = 2
	PlugWireless = 4
)

// BatteryState is the latest reading reported by the battery driver.
type BatteryState struct {
	Status        int   `json:"status"`
	Health        int   `json:"health"`
	PlugType      int   `json:"plug_type"`
	Level         int   `json:"level"`
	Temperature   int   `json:"temperature"`
	VoltageMv     int   `json:"voltage_mv"`
	ChargeUAh     int64 `json:"charge_uah"`
	ChargeFullUAh int64 `json:"charge_full_uah"`
}

// OnBattery reports whether the device is unplugged.
func (b BatteryState) OnBattery() bool { return b.PlugType == PlugNone }

// Charging reports whether the driver says current flows into the battery.
func (b BatteryState) Charging() bool {
	return b.Status == BatteryStatusCharging || b.Status == BatteryStatusFull
}
