//go:build !linux

package capture

import (
	"fmt"

	"firestige.xyz/dmgmeter/internal/core"
)

func openAFPacket(Config) (Source, error) {
	return nil, fmt.Errorf("afpacket capture is only available on linux: %w", core.ErrConfigInvalid)
}
