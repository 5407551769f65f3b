package model

// ActivityEnergyInfo is a cumulative controller activity report for a radio
// (wifi, bluetooth or modem). Counters grow monotonically until the
// controller resets.
type ActivityEnergyInfo struct {
	Valid         bool  `json:"valid" yaml:"valid"`
	TimestampMs   int64 `json:"timestamp_ms" yaml:"timestamp_ms"`
	TxTimeMs      int64 `json:"tx_time_ms" yaml:"tx_time_ms"`
	RxTimeMs      int64 `json:"rx_time_ms" yaml:"rx_time_ms"`
	IdleTimeMs    int64 `json:"idle_time_ms" yaml:"idle_time_ms"`
	EnergyUsedUWs int64 `json:"energy_used_uws" yaml:"energy_used_uws"`
}

// RailEnergy is the cumulative energy of one power rail. When MaxEnergyUWs
// is set the counter wraps to zero on reaching it.
type RailEnergy struct {
	Name         string `json:"name" yaml:"name"`
	Subsystem    string `json:"subsystem,omitempty" yaml:"subsystem,omitempty"`
	EnergyUWs    int64  `json:"energy_uws" yaml:"energy_uws"`
	MaxEnergyUWs int64  `json:"max_energy_uws,omitempty" yaml:"max_energy_uws,omitempty"`
}

// RailStats is a low power stats reading across all rails.
type RailStats struct {
	Valid bool         `json:"valid" yaml:"valid"`
	Rails []RailEnergy `json:"rails" yaml:"rails"`
}
