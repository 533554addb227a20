package config

import "github.com/xyproto/env/v2"

// Environment variables read by ApplyEnv and MachinePath.
const (
	EnvQuiet   = "ZENITH_QUIET"
	EnvPause   = "ZENITH_PAUSE"
	EnvDebug   = "ZENITH_DEBUG"
	EnvMachine = "ZENITH_MACHINE"
)

// ApplyEnv turns on the boot flags set in the environment. Variables can
// only enable a flag, never clear one set by the description.
func (m *Machine) ApplyEnv() {
	if env.Bool(EnvQuiet) {
		m.Boot.Quiet = true
	}
	if env.Bool(EnvPause) {
		m.Boot.Pause = true
	}
	if env.Bool(EnvDebug) {
		m.Boot.Debug = true
	}
}

// MachinePath returns the machine description named by the environment,
// or fallback.
func MachinePath(fallback string) string {
	return env.Str(EnvMachine, fallback)
}
