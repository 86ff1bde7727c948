// Package mode implements the paper/live trading-mode state machine.
//
// Going live always takes two steps: RequestSwitch(Live) opens a pending
// confirmation and Confirm performs the backend switch. Nothing enters
// LiveConfirmed without a successful Confirm. Downgrades to Paper never need
// confirmation.
//
// RouteSync maps the current screen to its required mode and asks the
// Machine for a switch when the two differ.
package mode
