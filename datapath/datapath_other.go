//go:build !linux

package datapath

import (
	"errors"

	"github.com/hujun-open/zoumlppp/engine"
	"go.uber.org/zap"
)

func newTUNIf(name string, req engine.PlumbRequest, maxFrameSize int, logger *zap.Logger) (*tunIf, error) {
	return nil, errors.New("datapath is only supported on linux")
}
