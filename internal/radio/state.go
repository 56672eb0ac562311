package radio

import (
	"errors"
	"fmt"
)

// State is a radio control state.
type State uint8

const (
	StateInit State = iota
	StateScan
	StateCAD
	StateRX
	StateRXDone
	StateTX
)

var stateNames = [...]string{"INIT", "SCAN", "CAD", "RX", "RX_DONE", "TX"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event drives a state transition.
type Event uint8

const (
	EventConfigured Event = iota
	EventScanTick
	EventChannelBusy
	EventChannelIdle
	EventRxDone
	EventRxTimeout
	EventCRCError
	EventHandedOff
	EventHop
	EventTxDue
	EventTxDone
	EventFault
)

var eventNames = [...]string{
	"configured", "scan_tick", "channel_busy", "channel_idle", "rx_done", "rx_timeout",
	"crc_error", "handed_off", "hop", "tx_due", "tx_done", "fault",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// ErrIllegalTransition is returned for an event the current state does not accept.
var ErrIllegalTransition = errors.New("radio: illegal state transition")

type edge struct {
	from State
	on   Event
}

// transitions is the complete set of legal moves.
var transitions = map[edge]State{
	{StateInit, EventConfigured}: StateScan,

	{StateScan, EventScanTick}: StateCAD,
	{StateScan, EventTxDue}:    StateTX,
	{StateScan, EventFault}:    StateScan,

	{StateCAD, EventChannelBusy}: StateRX,
	{StateCAD, EventChannelIdle}: StateScan,
	{StateCAD, EventTxDue}:       StateTX,
	{StateCAD, EventFault}:       StateScan,

	{StateRX, EventRxDone}:    StateRXDone,
	{StateRX, EventRxTimeout}: StateScan,
	{StateRX, EventCRCError}:  StateScan,
	{StateRX, EventTxDue}:     StateTX,
	{StateRX, EventFault}:     StateScan,

	{StateRXDone, EventHandedOff}: StateScan,
	{StateRXDone, EventHop}:       StateCAD,
	{StateRXDone, EventTxDue}:     StateTX,
	{StateRXDone, EventFault}:     StateScan,

	{StateTX, EventTxDone}: StateScan,
	{StateTX, EventFault}:  StateScan,
}

// Next returns the state reached from s on e.
func Next(s State, e Event) (State, error) {
	to, ok := transitions[edge{s, e}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, s, e)
	}
	return to, nil
}
