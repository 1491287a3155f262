package main

import (
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/critterwatch/internal/config"
	"github.com/banshee-data/critterwatch/internal/frames"
)

// newSource builds the frame source named by sc. stdin is passed in so
// tests can substitute it.
func newSource(sc config.SourceConfig, stdin io.ReadCloser) (frames.Source, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	switch sc.Kind {
	case config.SourceStdin:
		return frames.NewReaderSource("stdin", stdin), nil

	case config.SourceFile:
		f, err := os.Open(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open frame log: %w", err)
		}
		return frames.NewReaderSource("file:"+sc.Path, f, frames.WithPacing()), nil

	case config.SourceSerial:
		var opts frames.PortOptions
		if sc.Serial != nil {
			opts = *sc.Serial
		}
		return frames.NewSerialSource(sc.Path, opts)

	case config.SourceUDP:
		addr := sc.Address
		if addr == "" {
			addr = fmt.Sprintf(":%d", sc.UDPPort)
		}
		return frames.NewUDPSource(frames.UDPSourceConfig{
			Address: addr,
			RcvBuf:  sc.RcvBuf,
		}), nil

	case config.SourcePCAP:
		return frames.NewPCAPSource(frames.PCAPSourceConfig{
			Path:     sc.Path,
			UDPPort:  sc.UDPPort,
			Realtime: true,
		}), nil
	}

	return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
}
