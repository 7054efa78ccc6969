package datapath

import (
	"io"
	"sync"

	"github.com/hujun-open/zoumlppp/engine"
	"go.uber.org/zap"
)

// tunIf is the TUN interface for a plumbed bundle
type tunIf struct {
	intf         io.ReadWriteCloser
	wg           *sync.WaitGroup
	once         *sync.Once
	maxFrameSize int
	logger       *zap.Logger
}

// send pkt read from the interface to peer
func (tif *tunIf) send(port engine.Port) {
	defer tif.wg.Done()
	for {
		b := make([]byte, tif.maxFrameSize)
		n, err := tif.intf.Read(b)
		if err != nil {
			tif.logger.Sugar().Debugf("send routine stopped, %v", err)
			return
		}
		if n < minimalIPPktSize || b[0]>>4 != 4 {
			continue
		}
		if err := port.Write(b[:n]); err != nil {
			tif.logger.Sugar().Debugf("failed to send to bundle, %v", err)
		}
	}
}

// deliver pkt from peer to the interface
func (tif *tunIf) deliver(b []byte) {
	if _, err := tif.intf.Write(b); err != nil {
		tif.logger.Sugar().Errorf("failed to send to TUN interface, %v", err)
	}
}

// Close implements io.Closer interface
func (tif *tunIf) Close() error {
	var err error
	tif.once.Do(func() {
		err = tif.intf.Close()
		tif.wg.Wait()
		tif.logger.Info("TUN interface closed")
	})
	return err
}
