// Package cmd holds the Kong command tree: the "relay" command that runs
// a RelayManager end to end, and "config init" for scaffolding its config
// file, adapted from the teacher's internal/cmd package (which wired its
// own "server"/"proxy"/"codegen" commands the same way).
package cmd

// LogConfig groups the logger flags shared by every command, embedded
// directly into CLI (teacher's cli.Log / internal/log.SetupLogger).
type LogConfig struct {
	Level   string `help:"Log level (trace, debug, info, warn, error)" default:"info" enum:"trace,debug,info,warn,error" env:"USBRELAY_LOG_LEVEL"`
	File    string `help:"Log file path (if empty, logs go to stdout and errors to stderr)" env:"USBRELAY_LOG_FILE"`
	RawFile string `help:"Raw packet dump file path" env:"USBRELAY_LOG_RAW_FILE"`
}

// CLI is the Kong root command, bound and parsed by cmd/usbrelay/main.go.
type CLI struct {
	Relay  Relay         `cmd:"" default:"1" help:"Run the USB relay"`
	Config ConfigCommand `cmd:"" help:"Configuration utilities"`
	Log    LogConfig     `embed:"" prefix:"log."`
}
