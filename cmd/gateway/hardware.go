package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/lorawan-server/single-channel-gateway/internal/config"
	"github.com/lorawan-server/single-channel-gateway/internal/radio"
	"github.com/lorawan-server/single-channel-gateway/internal/sx1276"
)

// transceiver is an opened radio bus plus the DIO pins to watch.
type transceiver struct {
	bus   sx1276.Bus
	dio   map[radio.Line]gpio.PinIn
	close func() error
}

// openTransceiver opens the configured radio. The simulator is an
// in-memory register file polled for IRQ flags.
func openTransceiver(cfg config.RadioConfig) (*transceiver, error) {
	if cfg.Driver == config.DriverSimulator {
		log.Warn().Msg("Using simulated radio")
		return &transceiver{bus: sx1276.NewRegisterFile(), close: func() error { return nil }}, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("open spi %q: %w", cfg.SPIPort, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.SPISpeed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect spi: %w", err)
	}

	if cfg.Pins.Reset != "" {
		if err := resetChip(cfg.Pins.Reset); err != nil {
			port.Close()
			return nil, err
		}
	}

	t := &transceiver{
		bus:   sx1276.NewSPIBus(conn),
		dio:   make(map[radio.Line]gpio.PinIn),
		close: port.Close,
	}
	for line, name := range map[radio.Line]string{
		radio.DIO0: cfg.Pins.DIO0,
		radio.DIO1: cfg.Pins.DIO1,
		radio.DIO2: cfg.Pins.DIO2,
	} {
		if name == "" {
			continue
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			port.Close()
			return nil, fmt.Errorf("unknown gpio %q", name)
		}
		if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
			port.Close()
			return nil, fmt.Errorf("arm %s: %w", name, err)
		}
		t.dio[line] = pin
	}
	return t, nil
}

// resetChip pulses the reset line low for 1 ms and waits for the chip.
func resetChip(name string) error {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return fmt.Errorf("unknown gpio %q", name)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("reset low: %w", err)
	}
	time.Sleep(time.Millisecond)
	if err := pin.Out(gpio.High); err != nil {
		return fmt.Errorf("reset high: %w", err)
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

// watch starts one edge watcher per DIO pin.
func (t *transceiver) watch(ctx context.Context, m *radio.Machine) {
	for line, pin := range t.dio {
		go radio.WatchDIO(ctx, pin, line, m.Interrupts(), m.Clock())
	}
}
