package hal

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"
)

// Board owns the Raspberry Pi GPIO/SPI resources. Open it once at startup;
// Close releases the memory-mapped GPIO range and the SPI bus.
type Board struct {
	ssr  rpio.Pin
	door rpio.Pin
}

// OpenBoard maps the GPIO range and claims SPI0 for the thermocouple.
// ssrPin drives the solid-state relay; doorPin is the door switch with the
// internal pull-up enabled (switch shorts to ground when the door opens).
func OpenBoard(ssrPin, doorPin int) (*Board, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}
	if err := rpio.SpiBegin(rpio.Spi0); err != nil {
		rpio.Close()
		return nil, fmt.Errorf("open spi0: %w", err)
	}
	rpio.SpiSpeed(spiClockHz)
	rpio.SpiChipSelect(0)

	b := &Board{
		ssr:  rpio.Pin(ssrPin),
		door: rpio.Pin(doorPin),
	}
	b.ssr.Output()
	b.ssr.Low() // relay open until the supervisor says otherwise
	b.door.Input()
	b.door.PullUp()
	return b, nil
}

// The MAX31855 is specified up to 5 MHz.
const spiClockHz = 4_000_000

// Close forces the SSR off and releases the hardware.
func (b *Board) Close() error {
	b.ssr.Low()
	rpio.SpiEnd(rpio.Spi0)
	return rpio.Close()
}

// SSR returns the relay output pin.
func (b *Board) SSR() DigitalOut { return &boardOut{pin: b.ssr} }

// Door returns the door switch input pin.
func (b *Board) Door() DigitalIn { return &boardIn{pin: b.door} }

// Thermocouple returns the MAX31855 reader on SPI0.
func (b *Board) Thermocouple() Thermocouple { return NewMAX31855(spi0{}) }

// Watchdog returns the board watchdog. Plain Raspberry Pi OS arms the BCM
// watchdog via systemd; from here feeding is a no-op placeholder.
func (b *Board) Watchdog() Watchdog { return nopWatchdog{} }

type boardOut struct{ pin rpio.Pin }

func (o *boardOut) Write(high bool) error {
	if high {
		o.pin.High()
	} else {
		o.pin.Low()
	}
	return nil
}

type boardIn struct{ pin rpio.Pin }

func (i *boardIn) Read() (bool, error) {
	return i.pin.Read() == rpio.High, nil
}

type spi0 struct{}

func (spi0) Transfer(buf []byte) error {
	rpio.SpiExchange(buf)
	return nil
}

type nopWatchdog struct{}

func (nopWatchdog) Feed() {}
