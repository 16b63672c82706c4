package monitor

// Command is an operator action applied by the frame loop.
type Command int

const (
	CommandNone Command = iota
	// CommandFinalize closes the region and starts monitoring.
	CommandFinalize
	// CommandReset clears the region and stops monitoring.
	CommandReset
	CommandTogglePause
	CommandPause
	CommandResume
	CommandBrighter
	CommandDarker
	// CommandCycleBrightness switches to the next brightness mode.
	CommandCycleBrightness
	CommandQuit
)

var commandNames = map[Command]string{
	CommandNone:            "none",
	CommandFinalize:        "finalize",
	CommandReset:           "reset",
	CommandTogglePause:     "toggle-pause",
	CommandPause:           "pause",
	CommandResume:          "resume",
	CommandBrighter:        "brighter",
	CommandDarker:          "darker",
	CommandCycleBrightness: "cycle-brightness",
	CommandQuit:            "quit",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// KeyCommand maps a key code returned by gocv.Window.WaitKey to a command.
// WaitKey returns -1 when no key was pressed.
func KeyCommand(key int) Command {
	if key < 0 {
		return CommandNone
	}

	switch rune(key & 0xff) {
	case 'd':
		return CommandFinalize
	case 'r':
		return CommandReset
	case 'p':
		return CommandTogglePause
	case '+', '=':
		return CommandBrighter
	case '-', '_':
		return CommandDarker
	case 'm':
		return CommandCycleBrightness
	case 'q':
		return CommandQuit
	}
	return CommandNone
}
