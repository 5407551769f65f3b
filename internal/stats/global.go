package stats

import (
	"strconv"

	"github.com/platformbuilds/batterystatsd/internal/model"
)

// GlobalStats holds device-wide aggregates not attributable to one UID.
type GlobalStats struct {
	ScreenOn         Timer                           `json:"screen_on"`
	ScreenDoze       Timer                           `json:"screen_doze"`
	ScreenBrightness [model.NumBrightnessBins]Timer `json:"screen_brightness"`
	Interactive      Timer                           `json:"interactive"`

	PhoneOn             Timer                               `json:"phone_on"`
	PhoneSignalStrength [model.NumSignalStrengthBins]Timer `json:"phone_signal_strength"`
	MobileRadioActive   Timer                               `json:"mobile_radio_active"`

	WifiOn      Timer `json:"wifi_on"`
	WifiRunning Timer `json:"wifi_running"`

	GpsOn            Timer                          `json:"gps_on"`
	GpsSignalQuality [model.NumGpsSignalBins]Timer `json:"gps_signal_quality"`

	PowerSave       Timer `json:"power_save"`
	DeviceIdleLight Timer `json:"device_idle_light"`
	DeviceIdleDeep  Timer `json:"device_idle_deep"`

	Camera     Timer `json:"camera"`
	Flashlight Timer `json:"flashlight"`
	Audio      Timer `json:"audio"`
	Video      Timer `json:"video"`

	OnBattery           Timer   `json:"on_battery"`
	ConnectivityChanges Counter `json:"connectivity_changes"`

	WakeupReasons map[string]*DurationTimer `json:"wakeup_reasons,omitempty"`

	Wifi      ControllerActivity `json:"wifi_activity"`
	Bluetooth ControllerActivity `json:"bluetooth_activity"`
	Modem     ControllerActivity `json:"modem_activity"`

	// Controller energy that could not be attributed to any UID.
	WifiUnattributedUWs      Counter `json:"wifi_unattributed_uws"`
	BluetoothUnattributedUWs Counter `json:"bluetooth_unattributed_uws"`
	ModemUnattributedUWs     Counter `json:"modem_unattributed_uws"`

	RailEnergyUWs map[string]*Counter `json:"rail_energy_uws,omitempty"`
	PlatformIdle  string              `json:"platform_idle,omitempty"`

	// Battery level drops, in percent.
	DischargeTotal     Counter `json:"discharge_total"`
	DischargeScreenOn  Counter `json:"discharge_screen_on"`
	DischargeScreenOff Counter `json:"discharge_screen_off"`

	DischargeSteps StepTracker `json:"discharge_steps"`
	ChargeSteps    StepTracker `json:"charge_steps"`

	brightnessBin int
	signalBin     int
	gpsQuality    int
	radioUID      int
	screenState   int
}

func (g *GlobalStats) init() {
	if g.WakeupReasons == nil {
		g.WakeupReasons = map[string]*DurationTimer{}
	}
	if g.RailEnergyUWs == nil {
		g.RailEnergyUWs = map[string]*Counter{}
	}
	g.brightnessBin = -1
	g.signalBin = -1
	g.gpsQuality = -1
	g.radioUID = -1
	g.screenState = model.ScreenStateUnknown
}

func (g *GlobalStats) screenOn() bool { return g.ScreenOn.Running() }

func (g *GlobalStats) controller(sub Subsystem) (*ControllerActivity, *Counter) {
	switch sub {
	case SubsystemWifi:
		return &g.Wifi, &g.WifiUnattributedUWs
	case SubsystemBluetooth:
		return &g.Bluetooth, &g.BluetoothUnattributedUWs
	case SubsystemModem:
		return &g.Modem, &g.ModemUnattributedUWs
	}
	return nil, nil
}

func (g *GlobalStats) visit(v visitor) {
	v.t("screen/on", &g.ScreenOn)
	v.t("screen/doze", &g.ScreenDoze)
	for i := range g.ScreenBrightness {
		v.t("screen/brightness_"+strconv.Itoa(i), &g.ScreenBrightness[i])
	}
	v.t("screen/interactive", &g.Interactive)
	v.t("phone/on", &g.PhoneOn)
	for i := range g.PhoneSignalStrength {
		v.t("phone/signal_"+strconv.Itoa(i), &g.PhoneSignalStrength[i])
	}
	v.t("radio/active", &g.MobileRadioActive)
	v.t("wifi/on", &g.WifiOn)
	v.t("wifi/running", &g.WifiRunning)
	v.t("gps/on", &g.GpsOn)
	for i := range g.GpsSignalQuality {
		v.t("gps/quality_"+strconv.Itoa(i), &g.GpsSignalQuality[i])
	}
	v.t("power/save", &g.PowerSave)
	v.t("idle/light", &g.DeviceIdleLight)
	v.t("idle/deep", &g.DeviceIdleDeep)
	v.t("media/camera", &g.Camera)
	v.t("media/flashlight", &g.Flashlight)
	v.t("media/audio", &g.Audio)
	v.t("media/video", &g.Video)
	v.t("battery/on_battery", &g.OnBattery)
	v.c("net/connectivity_changes", &g.ConnectivityChanges)
	for _, name := range sortedKeys(g.WakeupReasons) {
		v.d("wakeup/"+name, g.WakeupReasons[name])
	}
	v.activity("wifi_activity", &g.Wifi)
	v.activity("bt_activity", &g.Bluetooth)
	v.activity("modem_activity", &g.Modem)
	v.c("wifi_activity/unattributed_uws", &g.WifiUnattributedUWs)
	v.c("bt_activity/unattributed_uws", &g.BluetoothUnattributedUWs)
	v.c("modem_activity/unattributed_uws", &g.ModemUnattributedUWs)
	for _, name := range sortedKeys(g.RailEnergyUWs) {
		v.c("rail/"+name, g.RailEnergyUWs[name])
	}
	v.c("discharge/total", &g.DischargeTotal)
	v.c("discharge/screen_on", &g.DischargeScreenOn)
	v.c("discharge/screen_off", &g.DischargeScreenOff)
}

func (g *GlobalStats) clone(now int64) GlobalStats {
	c := GlobalStats{
		ScreenOn:                 g.ScreenOn.snapshot(now),
		ScreenDoze:               g.ScreenDoze.snapshot(now),
		Interactive:              g.Interactive.snapshot(now),
		PhoneOn:                  g.PhoneOn.snapshot(now),
		MobileRadioActive:        g.MobileRadioActive.snapshot(now),
		WifiOn:                   g.WifiOn.snapshot(now),
		WifiRunning:              g.WifiRunning.snapshot(now),
		GpsOn:                    g.GpsOn.snapshot(now),
		PowerSave:                g.PowerSave.snapshot(now),
		DeviceIdleLight:          g.DeviceIdleLight.snapshot(now),
		DeviceIdleDeep:           g.DeviceIdleDeep.snapshot(now),
		Camera:                   g.Camera.snapshot(now),
		Flashlight:               g.Flashlight.snapshot(now),
		Audio:                    g.Audio.snapshot(now),
		Video:                    g.Video.snapshot(now),
		OnBattery:                g.OnBattery.snapshot(now),
		ConnectivityChanges:      g.ConnectivityChanges,
		WakeupReasons:            make(map[string]*DurationTimer, len(g.WakeupReasons)),
		Wifi:                     g.Wifi,
		Bluetooth:                g.Bluetooth,
		Modem:                    g.Modem,
		WifiUnattributedUWs:      g.WifiUnattributedUWs,
		BluetoothUnattributedUWs: g.BluetoothUnattributedUWs,
		ModemUnattributedUWs:     g.ModemUnattributedUWs,
		RailEnergyUWs:            make(map[string]*Counter, len(g.RailEnergyUWs)),
		PlatformIdle:             g.PlatformIdle,
		DischargeTotal:           g.DischargeTotal,
		DischargeScreenOn:        g.DischargeScreenOn,
		DischargeScreenOff:       g.DischargeScreenOff,
		DischargeSteps:           g.DischargeSteps.clone(),
		ChargeSteps:              g.ChargeSteps.clone(),
	}
	for i := range g.ScreenBrightness {
		c.ScreenBrightness[i] = g.ScreenBrightness[i].snapshot(now)
	}
	for i := range g.PhoneSignalStrength {
		c.PhoneSignalStrength[i] = g.PhoneSignalStrength[i].snapshot(now)
	}
	for i := range g.GpsSignalQuality {
		c.GpsSignalQuality[i] = g.GpsSignalQuality[i].snapshot(now)
	}
	for name, d := range g.WakeupReasons {
		s := d.snapshot()
		c.WakeupReasons[name] = &s
	}
	for name, ctr := range g.RailEnergyUWs {
		v := *ctr
		c.RailEnergyUWs[name] = &v
	}
	c.init()
	return c
}
