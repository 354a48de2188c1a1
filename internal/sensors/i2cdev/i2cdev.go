// Package i2cdev implements sensor drivers for the I²C parts the node
// ships with, on top of periph.io.
//
// BMP280 goes through the periph bmxx80 driver. The Sensirion parts
// (SHT4x, SCD4x) speak a small command protocol with CRC-protected
// 16-bit words that is implemented here directly on [i2c.Dev].
package i2cdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/nugget/envnode/internal/sensors"
)

// Kinds lists the sensor kinds [New] can build.
var Kinds = []sensors.Kind{KindSHT4x, KindBMP280, KindSCD4x}

// New returns the driver for kind at addr on bus. addr 0 selects the
// part's default address.
func New(kind sensors.Kind, bus i2c.Bus, addr uint16) (sensors.Driver, error) {
	switch kind {
	case KindSHT4x:
		return NewSHT4x(bus, addr), nil
	case KindBMP280:
		return NewBMP280(bus, addr), nil
	case KindSCD4x:
		return NewSCD4x(bus, addr), nil
	default:
		return nil, fmt.Errorf("unknown sensor kind %q (known: %v)", kind, Kinds)
	}
}

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// crc8 is the Sensirion CRC-8: polynomial 0x31, init 0xFF, no final XOR.
func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// sensirion wraps the command/word framing shared by Sensirion parts.
type sensirion struct {
	dev *i2c.Dev
}

// command writes a 16-bit command, waits for execution, then reads
// words CRC-checked 16-bit values.
func (s sensirion) command(ctx context.Context, cmd uint16, exec time.Duration, words int) ([]uint16, error) {
	var w [2]byte
	binary.BigEndian.PutUint16(w[:], cmd)
	if err := s.dev.Tx(w[:], nil); err != nil {
		return nil, fmt.Errorf("command 0x%04x: %w", cmd, err)
	}
	if exec > 0 {
		if err := sleep(ctx, exec); err != nil {
			return nil, err
		}
	}
	if words == 0 {
		return nil, nil
	}
	return s.readWords(cmd, words)
}

// writeByte sends a single-byte command, as used by the SHT4x.
func (s sensirion) writeByte(ctx context.Context, cmd byte, exec time.Duration, words int) ([]uint16, error) {
	if err := s.dev.Tx([]byte{cmd}, nil); err != nil {
		return nil, fmt.Errorf("command 0x%02x: %w", cmd, err)
	}
	if err := sleep(ctx, exec); err != nil {
		return nil, err
	}
	if words == 0 {
		return nil, nil
	}
	return s.readWords(uint16(cmd), words)
}

func (s sensirion) readWords(cmd uint16, words int) ([]uint16, error) {
	buf := make([]byte, words*3)
	if err := s.dev.Tx(nil, buf); err != nil {
		return nil, fmt.Errorf("read after 0x%04x: %w", cmd, err)
	}
	out := make([]uint16, words)
	for i := range out {
		chunk := buf[i*3 : i*3+3]
		if got, want := chunk[2], crc8(chunk[:2]); got != want {
			return nil, fmt.Errorf("read after 0x%04x: word %d crc 0x%02x, want 0x%02x", cmd, i, got, want)
		}
		out[i] = binary.BigEndian.Uint16(chunk[:2])
	}
	return out, nil
}
