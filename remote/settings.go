package remote

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const Version = 1

type ProtocolViolationFunction func(peerId Id, err error)

// configure before passing to `NewEngine`. The engine does not copy the settings.
type EngineSettings struct {
	// bound on calls issued by the authoritative side to a replica (`InvokeReplica`)
	AuthoritativeCallTimeout time.Duration
	// bound on calls issued by a replica to the authoritative side
	// (`InvokeAuthoritative`, `GetProperties`, `GetChildren`, `GetTags`)
	ReplicaCallTimeout time.Duration
	// bound on a replica waiting for a channel to become visible.
	// Zero means the mean of the two call timeouts.
	ChannelWaitTimeout time.Duration
	// tear down the engine when the transport disconnects
	AutoCleanupOnDisconnect bool
	DispatchBufferSize      int
	// called on the authoritative side when a replica sends an illegal request.
	// The host decides whether to evict the peer.
	OnProtocolViolation ProtocolViolationFunction
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		AuthoritativeCallTimeout: 30 * time.Second,
		ReplicaCallTimeout:       30 * time.Second,
		AutoCleanupOnDisconnect:  true,
		DispatchBufferSize:       32,
	}
}

func (self *EngineSettings) channelWaitTimeout() time.Duration {
	if 0 < self.ChannelWaitTimeout {
		return self.ChannelWaitTimeout
	}
	return (self.AuthoritativeCallTimeout + self.ReplicaCallTimeout) / 2
}

// setting names, with the timeouts in seconds
const (
	SettingServerTimeout = "ServerTimeout"
	SettingClientTimeout = "ClientTimeout"
	SettingAutoCleanup   = "AutoCleanup"
)

func secondsDuration(value any) (time.Duration, bool) {
	var seconds float64
	switch v := value.(type) {
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	case float32:
		seconds = float64(v)
	case float64:
		seconds = v
	default:
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

func (self *EngineSettings) SetSetting(setting string, value any) error {
	switch setting {
	case SettingServerTimeout:
		timeout, ok := secondsDuration(value)
		if !ok {
			return fmt.Errorf("expected number got %T", value)
		}
		if timeout <= 0 {
			return fmt.Errorf("%s must be positive", setting)
		}
		self.ReplicaCallTimeout = timeout
	case SettingClientTimeout:
		timeout, ok := secondsDuration(value)
		if !ok {
			return fmt.Errorf("expected number got %T", value)
		}
		if timeout <= 0 {
			return fmt.Errorf("%s must be positive", setting)
		}
		self.AuthoritativeCallTimeout = timeout
	case SettingAutoCleanup:
		autoCleanup, ok := value.(bool)
		if !ok {
			return fmt.Errorf("expected bool got %T", value)
		}
		self.AutoCleanupOnDisconnect = autoCleanup
	default:
		return fmt.Errorf("%s isn't a setting", setting)
	}
	return nil
}

// applies in name order and stops at the first invalid setting
func (self *EngineSettings) SetSettings(settings map[string]any) error {
	names := maps.Keys(settings)
	slices.Sort(names)
	for _, name := range names {
		if err := self.SetSetting(name, settings[name]); err != nil {
			return err
		}
	}
	return nil
}
