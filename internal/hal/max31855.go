package hal

import (
	"encoding/binary"
	"math"
)

// SPITransfer performs one full-duplex SPI exchange: buf is clocked out and
// overwritten with the bytes clocked in.
type SPITransfer interface {
	Transfer(buf []byte) error
}

// MAX31855 decodes the 32-bit frame of the MAX31855 cold-junction
// compensated thermocouple converter.
//
// Frame layout (MSB first):
//
//	D31..D18  14-bit signed thermocouple temperature, 0.25 °C/LSB
//	D16       fault flag
//	D15..D4   internal (cold junction) temperature, unused here
//	D2        short to VCC
//	D1        short to GND
//	D0        open circuit
type MAX31855 struct {
	spi SPITransfer
}

func NewMAX31855(spi SPITransfer) *MAX31855 {
	return &MAX31855{spi: spi}
}

const (
	max31855FaultBit = 1 << 16
	max31855SCVBit   = 1 << 2
	max31855SCGBit   = 1 << 1
	max31855OCBit    = 1 << 0
)

// Read samples the converter once. Returns a *FaultError on any fault bit,
// bus error, or non-finite result.
func (m *MAX31855) Read() (float64, error) {
	var buf [4]byte
	if err := m.spi.Transfer(buf[:]); err != nil {
		return 0, &FaultError{Kind: FaultBus, Err: err}
	}
	frame := binary.BigEndian.Uint32(buf[:])

	if frame&max31855FaultBit != 0 {
		switch {
		case frame&max31855OCBit != 0:
			return 0, &FaultError{Kind: FaultOpenCircuit}
		case frame&max31855SCGBit != 0:
			return 0, &FaultError{Kind: FaultShortToGnd}
		case frame&max31855SCVBit != 0:
			return 0, &FaultError{Kind: FaultShortToVcc}
		}
		return 0, &FaultError{Kind: FaultBus}
	}

	// Arithmetic shift sign-extends the 14-bit field.
	raw := int32(frame) >> 18
	tempC := float64(raw) * 0.25
	if math.IsNaN(tempC) || math.IsInf(tempC, 0) {
		return 0, &FaultError{Kind: FaultNan}
	}
	return tempC, nil
}
