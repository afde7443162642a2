package psu

// channel is the controller's view of one output.
type channel struct {
	index        int
	enabled      bool
	injecting    bool
	amplitude    float64
	maxAmplitude float64
}

// deenergize drops the channel to disabled and idle; amplitude is kept.
func (ch *channel) deenergize() {
	ch.enabled = false
	ch.injecting = false
}

// restoreDefaults puts the channel back to its power-up configuration.
func (ch *channel) restoreDefaults() {
	ch.deenergize()
	ch.amplitude = 0
}

func (ch *channel) snapshot() ChannelSnapshot {
	return ChannelSnapshot{
		Index:        ch.index,
		Enabled:      ch.enabled,
		Injecting:    ch.injecting,
		Amplitude:    ch.amplitude,
		MaxAmplitude: ch.maxAmplitude,
	}
}

// ChannelSnapshot is a read-only copy of one channel's state.
type ChannelSnapshot struct {
	Index        int     `json:"index"`
	Enabled      bool    `json:"enabled"`
	Injecting    bool    `json:"injecting"`
	Amplitude    float64 `json:"amplitude"`
	MaxAmplitude float64 `json:"maxAmplitude"`
}

// Snapshot is a read-only copy of the whole unit.
type Snapshot struct {
	SerialNumber string            `json:"serialNumber"`
	Status       PowerStatus       `json:"status"`
	Connected    bool              `json:"connected"`
	Channels     []ChannelSnapshot `json:"channels"`
}
