package notifier

import (
	"errors"
	"fmt"
	"strings"

	"tradeclaw/internal/transport"
)

// LogChannel only logs delivered text.
const LogChannel = "log"

var ErrUnknownChannel = errors.New("unknown channel")

type destination struct {
	name   string
	target transport.ChatTarget
	logged bool
}

// resolve maps a channel name to a destination.
func resolve(channels map[string]ChannelConfig, name string) (destination, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return destination{}, fmt.Errorf("%w: empty name", ErrUnknownChannel)
	}
	if strings.EqualFold(name, LogChannel) {
		return destination{name: name, logged: true}, nil
	}
	if rest, ok := strings.CutPrefix(name, "telegram:"); ok {
		t, err := transport.ParseChatTarget(rest)
		if err != nil {
			return destination{}, fmt.Errorf("%w: %s: %v", ErrUnknownChannel, name, err)
		}
		return destination{name: name, target: t}, nil
	}
	cc, ok := channels[name]
	if !ok {
		return destination{}, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if cc.ChatID == 0 {
		return destination{name: name, logged: true}, nil
	}
	return destination{name: name, target: cc.target()}, nil
}

// ValidateChannel reports whether name would resolve with channels.
func ValidateChannel(channels map[string]ChannelConfig, name string) error {
	_, err := resolve(channels, name)
	return err
}
