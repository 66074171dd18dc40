package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"

	"ffcompress/failure"
)

// reservedFlags are options the argument builder owns. Extra arguments may
// not add inputs or change the overwrite policy.
var reservedFlags = map[string]bool{
	"-i":  true,
	"-y":  true,
	"-n":  true,
	"-t":  true,
	"-ss": true,
}

// SplitCommand splits a command string into arguments without a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, failure.Wrap(failure.InvalidInput, "split arguments", fmt.Errorf("invalid command syntax: %w", err))
	}
	return args, nil
}

// SanitizeExtraArgs checks operator supplied arguments before they are
// appended to every encode.
func SanitizeExtraArgs(args []string) error {
	for _, arg := range args {
		if reservedFlags[arg] {
			return failure.New(failure.InvalidInput, "sanitize arguments", "reserved flag not allowed: "+arg)
		}
		// exec does not use a shell, but these never belong in encoder options.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return failure.New(failure.InvalidInput, "sanitize arguments", "disallowed character found in argument: "+arg)
		}
	}
	return nil
}

// ParseExtraArgs splits and sanitizes FF_EXTRA_ARGS.
func ParseExtraArgs(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil
	}
	args, err := SplitCommand(command)
	if err != nil {
		return nil, err
	}
	if err := SanitizeExtraArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
