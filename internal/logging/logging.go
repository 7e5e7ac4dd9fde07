// Package logging configures the named subsystem loggers.
package logging

import (
	logging "github.com/ipfs/go-log/v2"
)

var subsystems = []string{"vaulted", "db", "relay", "presence", "ws", "handlers", "middleware", "rabbitmq", "telemetry", "client", "outbox", "call", "mailer"}

// Setup applies level to every vaulted subsystem logger.
func Setup(level string) error {
	if _, err := logging.LevelFromString(level); err != nil {
		return err
	}
	for _, name := range subsystems {
		logging.Logger(name)
		if err := logging.SetLogLevel(name, level); err != nil {
			return err
		}
	}
	return nil
}
