package config

// Defaults returns a Config with every optional setting filled in.
// Identity and server settings have no defaults.
func Defaults() *Config {
	return &Config{
		Port:                6667,
		TLSVerify:           true,
		ConsoleChannelLevel: "INFO",
		PassiveJoin:         true,

		PrimitiveLeaders: "$",
		CommandLeaders:   "$",
		UserLeaders:      "!.;",

		DefineFunctionsInT9ChannelsOnly: true,
		StackLimit:                      4,

		FunctionExecTime: 10,
		DefaultExecTime:  10,
		MaxExecTime:      3600,
		ExecLocale:       "C",
		ExecPythonUTF8:   true,

		LogLevel: "info",

		ExecServer: ExecServerConfig{
			Listen:         "127.0.0.1:8080",
			DefaultTimeout: 10,
			MaxOutputBytes: 128 * 1024,
		},
	}
}

// Sample returns a minimal config suitable as a starting point for `t9 init`.
func Sample(nick string) *Config {
	cfg := Defaults()
	cfg.Host = "irc.example.net"
	cfg.Nick = nick
	cfg.User = nick
	cfg.VHost = "localhost"
	cfg.RealName = nick + " exec bot"
	cfg.Help = "Define: " + nick + ": !trigger <$exec> command | Run: $exec command | Delete: $rm !trigger"
	cfg.ExecServerBaseURL = "http://127.0.0.1:8080"
	cfg.DB.Path = "~/.local/share/t9/t9.db"
	cfg.ConsoleChannel = "#" + nick + "-console"
	cfg.Channels = []string{cfg.ConsoleChannel}
	return cfg
}
