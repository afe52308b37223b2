package remote

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the authoritative lifecycle state of the controller.
// Connected always implies a live link; Disconnected always implies none.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateScanning     ConnectionState = "scanning"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// Device is a peripheral seen during scanning. The discovery set keeps one
// entry per ID; repeated advertisements update the existing entry.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RSSI         int       `json:"rssi"`
	Connectable  bool      `json:"connectable"`
	ServiceUUIDs []string  `json:"service_uuids,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Update merges a fresh advertisement into an already-discovered device,
// keeping the most recent signal strength and metadata.
func (d *Device) Update(adv Device) {
	d.RSSI = adv.RSSI
	d.Connectable = adv.Connectable
	d.LastSeen = time.Now()

	if adv.Name != "" {
		d.Name = adv.Name
	}

	for _, u := range adv.ServiceUUIDs {
		if !d.hasServiceUUID(u) {
			d.ServiceUUIDs = append(d.ServiceUUIDs, u)
		}
	}
}

func (d *Device) hasServiceUUID(u string) bool {
	for _, existing := range d.ServiceUUIDs {
		if equalUUID(existing, u) {
			return true
		}
	}
	return false
}

// CommandType identifies the kind of remote-control command
type CommandType string

const (
	CommandKeyPress CommandType = "key_press"
	CommandLaunch   CommandType = "launch"
	CommandText     CommandType = "text_input"
)

// Remote key actions for key_press commands
const (
	KeyPowerOn    = "power_on"
	KeyPowerOff   = "power_off"
	KeyHome       = "home"
	KeyBack       = "back"
	KeyUp         = "up"
	KeyDown       = "down"
	KeyLeft       = "left"
	KeyRight      = "right"
	KeySelect     = "select"
	KeyPlay       = "play"
	KeyRewind     = "rewind"
	KeyFastFwd    = "fast_forward"
	KeyVolumeUp   = "volume_up"
	KeyVolumeDown = "volume_down"
	KeyMute       = "mute"
)

// Command is a single remote-control instruction. Immutable once enqueued.
type Command struct {
	ID        string         `json:"id"`
	Type      CommandType    `json:"type"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewCommand builds a command with a fresh identifier and timestamp.
func NewCommand(t CommandType, action string, payload map[string]any) Command {
	return Command{
		ID:        uuid.New().String(),
		Type:      t,
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewKeyPress builds a key_press command for a remote key.
func NewKeyPress(key string) Command {
	return NewCommand(CommandKeyPress, key, nil)
}

// NewLaunch builds a launch command for a channel/app identifier.
func NewLaunch(appID string) Command {
	return NewCommand(CommandLaunch, "launch", map[string]any{"app_id": appID})
}

// CommandResult is produced exactly once per enqueued command.
type CommandResult struct {
	Command Command          `json:"command"`
	Success bool             `json:"success"`
	Err     *ClassifiedError `json:"error,omitempty"`
	Latency time.Duration    `json:"latency"`
}
