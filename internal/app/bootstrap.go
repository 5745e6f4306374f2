package app

import (
	"errors"

	"botgate/internal/core"
	"botgate/internal/platform/loopback"
	"botgate/internal/platform/matrix"
	"botgate/internal/platform/telegram"
	"botgate/internal/protocol/onebot"
)

// DefaultRegistries registers every platform and protocol built into the
// binary.
func DefaultRegistries() (*core.AdapterRegistry, *core.ProtocolRegistry, error) {
	platforms := core.NewAdapterRegistry()
	protocols := core.NewProtocolRegistry()
	err := errors.Join(
		loopback.Register(platforms),
		telegram.Register(platforms),
		matrix.Register(platforms),
		onebot.Register(protocols),
	)
	if err != nil {
		return nil, nil, err
	}
	return platforms, protocols, nil
}
