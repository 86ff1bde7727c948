// Package control is the HTTP bridge between the dashboard UI and the sync
// layer.
//
// The UI reports navigation, asks for mode switches, answers confirmation
// prompts and streams channel updates over server-sent events. Failed calls
// render their resilience category so the UI can tell "log in again" apart
// from "try again later".
package control
