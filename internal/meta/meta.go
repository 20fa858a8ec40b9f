package meta

const (
	// CLIName is the binary name, the env var prefix and the default topic prefix root
	CLIName = "systemctl2mqtt"
)
